package redisd_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvstore/redisd"
	"github.com/kvstore/redisd/protocol"
)

func startServer(t *testing.T, opts ...redisd.Option) *redisd.Server {
	t.Helper()

	srv, err := redisd.New(append([]redisd.Option{redisd.WithAddr("127.0.0.1:0")}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dial(t *testing.T, addr string) (*protocol.Reader, *protocol.Writer, net.Conn) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return protocol.NewReader(conn), protocol.NewWriter(conn), conn
}

func TestE2EBasicString(t *testing.T) {
	srv := startServer(t)
	reader, writer, _ := dial(t, srv.Addr())

	require.NoError(t, writer.WriteCommand("PING"))
	require.NoError(t, writer.Flush())
	v, err := reader.ReadNext()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeSimpleString, v.Type)
	require.Equal(t, "PONG", string(v.Data))

	require.NoError(t, writer.WriteCommand("SET", "foo", "bar"))
	require.NoError(t, writer.Flush())
	v, err = reader.ReadNext()
	require.NoError(t, err)
	require.Equal(t, "OK", string(v.Data))

	require.NoError(t, writer.WriteCommand("GET", "foo"))
	require.NoError(t, writer.Flush())
	v, err = reader.ReadNext()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeBulkString, v.Type)
	require.Equal(t, "bar", string(v.Data))
}

func TestE2EExpiry(t *testing.T) {
	srv := startServer(t)
	reader, writer, _ := dial(t, srv.Addr())

	require.NoError(t, writer.WriteCommand("SET", "x", "1", "PX", "100"))
	require.NoError(t, writer.Flush())
	v, err := reader.ReadNext()
	require.NoError(t, err)
	require.Equal(t, "OK", string(v.Data))

	require.NoError(t, writer.WriteCommand("GET", "x"))
	require.NoError(t, writer.Flush())
	v, err = reader.ReadNext()
	require.NoError(t, err)
	require.Equal(t, "1", string(v.Data))

	time.Sleep(200 * time.Millisecond)

	require.NoError(t, writer.WriteCommand("GET", "x"))
	require.NoError(t, writer.Flush())
	v, err = reader.ReadNext()
	require.NoError(t, err)
	require.True(t, v.IsNull)

	require.NoError(t, writer.WriteCommand("TYPE", "x"))
	require.NoError(t, writer.Flush())
	v, err = reader.ReadNext()
	require.NoError(t, err)
	require.Equal(t, "none", string(v.Data))
}

func TestE2EStreamAutoSeq(t *testing.T) {
	srv := startServer(t)
	reader, writer, _ := dial(t, srv.Addr())

	require.NoError(t, writer.WriteCommand("XADD", "s", "5-*", "a", "1"))
	require.NoError(t, writer.Flush())
	v, err := reader.ReadNext()
	require.NoError(t, err)
	require.Equal(t, "5-0", string(v.Data))

	require.NoError(t, writer.WriteCommand("XADD", "s", "5-*", "b", "2"))
	require.NoError(t, writer.Flush())
	v, err = reader.ReadNext()
	require.NoError(t, err)
	require.Equal(t, "5-1", string(v.Data))

	require.NoError(t, writer.WriteCommand("XADD", "s", "4-*", "c", "3"))
	require.NoError(t, writer.Flush())
	v, err = reader.ReadNext()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, v.Type)

	require.NoError(t, writer.WriteCommand("XADD", "s", "0-0", "d", "4"))
	require.NoError(t, writer.Flush())
	v, err = reader.ReadNext()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, v.Type)
}

func TestE2EXRange(t *testing.T) {
	srv := startServer(t)
	reader, writer, _ := dial(t, srv.Addr())

	require.NoError(t, writer.WriteCommand("XADD", "s", "5-*", "a", "1"))
	require.NoError(t, writer.Flush())
	_, err := reader.ReadNext()
	require.NoError(t, err)

	require.NoError(t, writer.WriteCommand("XADD", "s", "5-*", "b", "2"))
	require.NoError(t, writer.Flush())
	_, err = reader.ReadNext()
	require.NoError(t, err)

	require.NoError(t, writer.WriteCommand("XRANGE", "s", "-", "+"))
	require.NoError(t, writer.Flush())
	v, err := reader.ReadNext()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeArray, v.Type)
	require.Len(t, v.Array, 2)
	require.Equal(t, "5-0", string(v.Array[0].Array[0].Data))
	require.Equal(t, "5-1", string(v.Array[1].Array[0].Data))
}

func TestE2EXReadBlock(t *testing.T) {
	srv := startServer(t)
	blockReader, blockWriter, _ := dial(t, srv.Addr())
	_, pushWriter, _ := dial(t, srv.Addr())

	require.NoError(t, blockWriter.WriteCommand("XREAD", "BLOCK", "0", "STREAMS", "s", "$"))
	require.NoError(t, blockWriter.Flush())

	result := make(chan protocol.Value, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := blockReader.ReadNext()
		if err != nil {
			errCh <- err
			return
		}
		result <- v
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, pushWriter.WriteCommand("XADD", "s", "1-1", "k", "v"))
	require.NoError(t, pushWriter.Flush())

	select {
	case v := <-result:
		require.Equal(t, protocol.TypeArray, v.Type)
		require.Len(t, v.Array, 1)
		require.Equal(t, "s", string(v.Array[0].Array[0].Data))
		require.Equal(t, "1-1", string(v.Array[0].Array[1].Array[0].Array[0].Data))
	case err := <-errCh:
		t.Fatalf("XREAD BLOCK failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("XREAD BLOCK did not unblock")
	}
}

func TestE2EReplicationPropagationAndWait(t *testing.T) {
	leader := startServer(t)
	follower := startServer(t, redisd.WithReplicaOf(leader.Addr()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, follower.WaitForSync(ctx))

	reader, writer, _ := dial(t, leader.Addr())

	require.NoError(t, writer.WriteCommand("SET", "a", "1"))
	require.NoError(t, writer.Flush())
	v, err := reader.ReadNext()
	require.NoError(t, err)
	require.Equal(t, "OK", string(v.Data))

	require.Eventually(t, func() bool {
		return leader.ReplicationOffset() > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, writer.WriteCommand("WAIT", "1", "500"))
	require.NoError(t, writer.Flush())
	v, err = reader.ReadNext()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeInteger, v.Type)
	require.Equal(t, int64(1), v.Integer)
}
