package replication

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"
)

// RDB opcodes and the subset of value-type tags this loader understands.
// Only RDBTypeString is supported: the keyspace has no list/set/hash/zset
// types, and LZF-compressed strings are rejected rather than decompressed,
// since a from-scratch LZF implementation is out of scope here.
const (
	MaxSupportedRDBVersion = 11

	RDBOpcodeEOF      = 0xFF
	RDBOpcodeDB       = 0xFE
	RDBOpcodeExpiry   = 0xFD
	RDBOpcodeExpiryMs = 0xFC
	RDBOpcodeResizeDB = 0xFB
	RDBOpcodeAux      = 0xFA

	RDBTypeString = 0
)

// RDBHandler processes RDB entries as they are parsed.
type RDBHandler interface {
	// OnDatabase is called when switching to a new database index.
	OnDatabase(index int) error

	// OnKey is called for each string key-value pair.
	OnKey(key []byte, value []byte, expiry *time.Time) error

	// OnAux is called for auxiliary metadata fields.
	OnAux(key, value []byte) error

	// OnEnd is called once, after the EOF opcode.
	OnEnd() error
}

// RDBParser parses an RDB dump in streaming mode: the handler is invoked as
// each record is decoded, without materializing the whole dataset.
type RDBParser struct {
	br      *bufio.Reader
	h       RDBHandler
	logger  Logger
	maxSkip int
	skipped int
}

// NewRDBParser creates an RDB parser reading from r and driving handler.
func NewRDBParser(r io.Reader, handler RDBHandler) *RDBParser {
	return &RDBParser{
		br:      bufio.NewReader(r),
		h:       handler,
		maxSkip: 16,
	}
}

// SetLogger attaches a logger used for non-fatal decoding warnings.
func (p *RDBParser) SetLogger(logger Logger) {
	p.logger = logger
}

func (p *RDBParser) warn(msg string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}

// canSkip reports whether another recoverable decode error may be
// tolerated, bounding how many malformed records a single dump may contain
// before parsing gives up entirely.
func (p *RDBParser) canSkip() bool {
	p.skipped++
	return p.skipped <= p.maxSkip
}

// Parse reads and validates the RDB header, then decodes records until the
// EOF opcode.
func (p *RDBParser) Parse() error {
	header := make([]byte, 9)
	if _, err := io.ReadFull(p.br, header); err != nil {
		return fmt.Errorf("failed to read RDB header: %w", err)
	}
	if string(header[:5]) != "REDIS" {
		return fmt.Errorf("invalid RDB magic: %s", header[:5])
	}
	version, err := strconv.Atoi(string(header[5:]))
	if err != nil {
		return fmt.Errorf("invalid RDB version: %s", header[5:])
	}
	if version > MaxSupportedRDBVersion {
		p.warn("RDB version newer than tested, parsing best-effort", "version", version)
	}

	var expiry *time.Time

	for {
		opcode, err := p.br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read opcode: %w", err)
		}

		switch opcode {
		case RDBOpcodeEOF:
			return p.h.OnEnd()

		case RDBOpcodeDB:
			db, err := p.readLength()
			if err != nil {
				return fmt.Errorf("failed to read database number: %w", err)
			}
			if err := p.h.OnDatabase(int(db)); err != nil {
				return err
			}

		case RDBOpcodeExpiry:
			var timestamp uint32
			if err := binary.Read(p.br, binary.LittleEndian, &timestamp); err != nil {
				return fmt.Errorf("failed to read expiry timestamp: %w", err)
			}
			t := time.Unix(int64(timestamp), 0)
			expiry = &t

		case RDBOpcodeExpiryMs:
			var timestamp uint64
			if err := binary.Read(p.br, binary.LittleEndian, &timestamp); err != nil {
				return fmt.Errorf("failed to read expiry timestamp: %w", err)
			}
			t := time.UnixMilli(int64(timestamp))
			expiry = &t

		case RDBOpcodeResizeDB:
			if _, err := p.readLength(); err != nil {
				return fmt.Errorf("failed to read resizedb hash size: %w", err)
			}
			if _, err := p.readLength(); err != nil {
				return fmt.Errorf("failed to read resizedb expire size: %w", err)
			}

		case RDBOpcodeAux:
			if err := p.readAuxField(); err != nil {
				if !p.canSkip() {
					return fmt.Errorf("failed to read aux field: %w", err)
				}
				p.warn("skipping malformed aux field", "error", err)
			}

		default:
			if err := p.readKeyValue(opcode, expiry); err != nil {
				if !p.canSkip() {
					return err
				}
				p.warn("skipping malformed record", "error", err)
			}
			expiry = nil
		}
	}

	return p.h.OnEnd()
}

// readLength reads a length-encoded integer: the two high bits of the
// leading byte select a 6-bit, 14-bit, 32-bit, or "special" length.
func (p *RDBParser) readLength() (uint64, error) {
	b, err := p.br.ReadByte()
	if err != nil {
		return 0, err
	}

	switch (b & 0xC0) >> 6 {
	case 0:
		return uint64(b & 0x3F), nil

	case 1:
		b2, err := p.br.ReadByte()
		if err != nil {
			return 0, err
		}
		return uint64(b&0x3F)<<8 | uint64(b2), nil

	case 2:
		var length uint32
		if err := binary.Read(p.br, binary.BigEndian, &length); err != nil {
			return 0, err
		}
		return uint64(length), nil

	default: // case 3: special encoding, only valid from readString's caller
		return 0, fmt.Errorf("length read on special-encoded value")
	}
}

func (p *RDBParser) readAuxField() error {
	key, err := p.readString()
	if err != nil {
		return fmt.Errorf("failed to read aux key: %w", err)
	}
	value, err := p.readString()
	if err != nil {
		return fmt.Errorf("failed to read aux value for key %s: %w", key, err)
	}
	return p.h.OnAux(key, value)
}

func (p *RDBParser) readKeyValue(valueType byte, expiry *time.Time) error {
	key, err := p.readString()
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}

	if valueType != RDBTypeString {
		return fmt.Errorf("key %s: unsupported RDB value type %d (only strings are loaded)", key, valueType)
	}

	value, err := p.readString()
	if err != nil {
		return fmt.Errorf("failed to read value for key %s: %w", key, err)
	}

	return p.h.OnKey(key, value, expiry)
}

// readString decodes one RDB string, including its three special-encoded
// integer forms; LZF-compressed strings (special encoding 3) are rejected.
func (p *RDBParser) readString() ([]byte, error) {
	b, err := p.br.ReadByte()
	if err != nil {
		return nil, err
	}

	switch (b & 0xC0) >> 6 {
	case 0:
		return p.readStringData(uint64(b & 0x3F))

	case 1:
		b2, err := p.br.ReadByte()
		if err != nil {
			return nil, err
		}
		return p.readStringData(uint64(b&0x3F)<<8 | uint64(b2))

	case 2:
		var length uint32
		if err := binary.Read(p.br, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		return p.readStringData(uint64(length))

	default: // case 3: special format
		switch b & 0x3F {
		case 0:
			val, err := p.br.ReadByte()
			if err != nil {
				return nil, err
			}
			return []byte(strconv.FormatInt(int64(int8(val)), 10)), nil
		case 1:
			var val int16
			if err := binary.Read(p.br, binary.LittleEndian, &val); err != nil {
				return nil, err
			}
			return []byte(strconv.FormatInt(int64(val), 10)), nil
		case 2:
			var val int32
			if err := binary.Read(p.br, binary.LittleEndian, &val); err != nil {
				return nil, err
			}
			return []byte(strconv.FormatInt(int64(val), 10)), nil
		case 3:
			return nil, fmt.Errorf("LZF-compressed strings are not supported")
		default:
			return nil, fmt.Errorf("invalid special string encoding: %d", b&0x3F)
		}
	}
}

func (p *RDBParser) readStringData(length uint64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	const maxRDBString = 512 * 1024 * 1024
	if length > maxRDBString {
		return nil, fmt.Errorf("string length too large: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(p.br, data); err != nil {
		return nil, fmt.Errorf("failed to read string data: %w", err)
	}
	return data, nil
}

// ParseRDB is a convenience wrapper around NewRDBParser(r, handler).Parse().
func ParseRDB(r io.Reader, handler RDBHandler) error {
	return NewRDBParser(r, handler).Parse()
}
