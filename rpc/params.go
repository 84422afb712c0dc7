package rpc

import (
	"encoding/binary"
	"fmt"
)

// Param is one named argument or result value, the (name, length, bytes)
// triple of spec.md §4.9.
type Param struct {
	Name  string
	Bytes []byte
}

// ParamList is an ordered list of Params, addressable by name or by
// position per spec.md §4.9 ("passed by name or by position").
type ParamList []Param

// Get returns the named param's bytes, or false if no param of that name
// is present.
func (l ParamList) Get(name string) ([]byte, bool) {
	for _, p := range l {
		if p.Name == name {
			return p.Bytes, true
		}
	}
	return nil, false
}

// At returns the i'th param by position.
func (l ParamList) At(i int) (Param, bool) {
	if i < 0 || i >= len(l) {
		return Param{}, false
	}
	return l[i], true
}

// Spec declares one expected parameter: its name and, if non-zero, the
// exact byte length the callee/caller requires. A zero Length accepts any
// length.
type Spec struct {
	Name   string
	Length int
}

// Validate checks params against specs per spec.md §4.9: "unknown names
// cause the callee to reject with a malformed-argument error"; a length
// mismatch on a declared param is malformed the same way ("the caller
// treats any reply whose named value has the wrong length as malformed").
func Validate(params ParamList, specs []Spec) error {
	declared := make(map[string]int, len(specs))
	for _, s := range specs {
		declared[s.Name] = s.Length
	}
	for _, p := range params {
		want, ok := declared[p.Name]
		if !ok {
			return fmt.Errorf("%w: unknown param %q", ErrMalformed, p.Name)
		}
		if want != 0 && len(p.Bytes) != want {
			return fmt.Errorf("%w: param %q has length %d, want %d", ErrMalformed, p.Name, len(p.Bytes), want)
		}
	}
	return nil
}

func encodeParams(params ParamList) []byte {
	var buf []byte
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(params)))
	buf = append(buf, countBuf[:]...)
	for _, p := range params {
		var nameLen [2]byte
		binary.BigEndian.PutUint16(nameLen[:], uint16(len(p.Name)))
		buf = append(buf, nameLen[:]...)
		buf = append(buf, p.Name...)
		var valLen [4]byte
		binary.BigEndian.PutUint32(valLen[:], uint32(len(p.Bytes)))
		buf = append(buf, valLen[:]...)
		buf = append(buf, p.Bytes...)
	}
	return buf
}

func decodeParams(buf []byte) (ParamList, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("%w: truncated param count", ErrMalformed)
	}
	count := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	params := make(ParamList, 0, count)
	for i := 0; i < count; i++ {
		if len(buf) < 2 {
			return nil, nil, fmt.Errorf("%w: truncated param name length", ErrMalformed)
		}
		nameLen := int(binary.BigEndian.Uint16(buf[:2]))
		buf = buf[2:]
		if len(buf) < nameLen+4 {
			return nil, nil, fmt.Errorf("%w: truncated param name/value header", ErrMalformed)
		}
		name := string(buf[:nameLen])
		buf = buf[nameLen:]
		valLen := int(binary.BigEndian.Uint32(buf[:4]))
		buf = buf[4:]
		if len(buf) < valLen {
			return nil, nil, fmt.Errorf("%w: truncated param value", ErrMalformed)
		}
		params = append(params, Param{Name: name, Bytes: buf[:valLen]})
		buf = buf[valLen:]
	}
	return params, buf, nil
}
