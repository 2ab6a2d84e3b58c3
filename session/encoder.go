package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// Wire layout, version 1:
//
//	[0]            format version
//	[1]            account ID length n (n <= 255)
//	[2 : 2+n]      account ID
//	[2+n : 34+n]   refresh-token hash (32 bytes)
//	[34+n : 42+n]  issuedAt, unix seconds, big endian
//	[42+n : 50+n]  expiresAt, unix seconds, big endian
//
// The format is append-only: later versions may add trailing fields but
// never reinterpret existing offsets; the rotation script depends on the
// hash offset being computable from the first two bytes.
const formatVersion = 1

var errCorruptRecord = errors.New("corrupt session record")

func Encode(r *Record) ([]byte, error) {
	if len(r.AccountID) == 0 || len(r.AccountID) > 255 {
		return nil, errors.New("account id length out of range")
	}

	var buf bytes.Buffer
	buf.WriteByte(formatVersion)
	buf.WriteByte(byte(len(r.AccountID)))
	buf.WriteString(r.AccountID)
	buf.Write(r.RefreshHash[:])

	if err := binary.Write(&buf, binary.BigEndian, r.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.ExpiresAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func Decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, errCorruptRecord
	}
	if version != formatVersion {
		return nil, errCorruptRecord
	}

	n, err := reader.ReadByte()
	if err != nil || n == 0 {
		return nil, errCorruptRecord
	}

	acct := make([]byte, n)
	if _, err := io.ReadFull(reader, acct); err != nil {
		return nil, errCorruptRecord
	}

	r := &Record{AccountID: string(acct)}
	if _, err := io.ReadFull(reader, r.RefreshHash[:]); err != nil {
		return nil, errCorruptRecord
	}
	if err := binary.Read(reader, binary.BigEndian, &r.IssuedAt); err != nil {
		return nil, errCorruptRecord
	}
	if err := binary.Read(reader, binary.BigEndian, &r.ExpiresAt); err != nil {
		return nil, errCorruptRecord
	}

	return r, nil
}
