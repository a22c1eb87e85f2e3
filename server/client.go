package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kvstore/redisd/protocol"
	"github.com/kvstore/redisd/replication"
)

// client is one accepted connection's state: its own protocol.Parser (so
// cmd.Raw survives for leader propagation and any downstream replica
// registration) and a writeMu serializing ordinary replies against
// asynchronous replica pushes once the connection becomes a replica.
type client struct {
	conn   net.Conn
	parser *protocol.Parser
	writer *protocol.Writer
	server *Server

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	lastCmd time.Time

	isReplica     bool
	replicaHandle replication.ReplicaHandle
}

func (c *client) handle() {
	defer c.server.wg.Done()
	defer c.close()

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		n, err := c.conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				c.server.logger.Debug("client read error", "error", err)
			}
			return
		}
		c.parser.Feed(buf[:n])

		for {
			cmd, raw, ok, perr := c.parser.Next()
			if perr != nil {
				c.writeError(fmt.Sprintf("ERR Protocol error: %s", perr.Error()))
				return
			}
			if !ok {
				break
			}

			c.lastCmd = time.Now()
			if err := c.dispatch(cmd, raw); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.cancel()
	if c.isReplica && c.server.leader != nil {
		c.server.leader.UnregisterReplica(c.replicaHandle)
	}
	c.server.clients.Delete(c.conn)
	c.conn.Close()
}

func (c *client) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

func (c *client) writeOK() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.WriteOK()
	c.writer.Flush()
}

func (c *client) writeSimpleString(s string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.WriteSimpleString(s)
	c.writer.Flush()
}

func (c *client) writeError(msg string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.WriteError(msg)
	c.writer.Flush()
}

func (c *client) writeInteger(n int64) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.WriteInteger(n)
	c.writer.Flush()
}

func (c *client) writeBulkString(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.WriteBulkString(data)
	c.writer.Flush()
}

func (c *client) writeNullBulkString() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.WriteNullBulkString()
	c.writer.Flush()
}

func (c *client) writeNullArray() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.WriteNullArray()
	c.writer.Flush()
}

func (c *client) writeArray(values []protocol.Value) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.WriteArray(values)
	c.writer.Flush()
}
