// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Minimal reader for the netCDF classic (CDF-1/CDF-2) file header. We
// only need variable and attribute names for QC probing, so values
// are skipped, and the data section is never touched.

const (
	tagAbsent    = 0x00
	tagDimension = 0x0A
	tagVariable  = 0x0B
	tagAttribute = 0x0C

	// Corrupt headers can encode absurd lengths; cap what we will
	// allocate for a single name.
	maxNameLen = 1 << 16
)

// NCVariable is one variable from a netCDF header.
type NCVariable struct {
	Name  string
	Attrs []string
}

// NCHeader holds the names extracted from a netCDF classic header.
type NCHeader struct {
	GlobalAttrs []string
	Variables   []NCVariable
}

// ReadNCHeader parses the header of a netCDF classic file and returns
// the global attribute names and per-variable attribute names. CDF-5
// and HDF5-backed netCDF-4 files are rejected.
func ReadNCHeader(path string) (*NCHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := &ncReader{r: bufio.NewReader(f)}

	var magic [4]byte
	r.bytes(magic[:])
	if r.err != nil {
		return nil, fmt.Errorf("read magic: %w", r.err)
	}
	if string(magic[:3]) != "CDF" {
		return nil, fmt.Errorf("%s: not a netCDF classic file", path)
	}
	version := magic[3]
	if version != 1 && version != 2 {
		return nil, fmt.Errorf("%s: unsupported netCDF version %d", path, version)
	}

	r.uint32() // numrecs (or STREAMING marker); unused

	if err := r.skipDimList(); err != nil {
		return nil, fmt.Errorf("dimensions: %w", err)
	}

	header := &NCHeader{}
	header.GlobalAttrs, err = r.readAttrList()
	if err != nil {
		return nil, fmt.Errorf("global attributes: %w", err)
	}
	header.Variables, err = r.readVarList(version)
	if err != nil {
		return nil, fmt.Errorf("variables: %w", err)
	}
	return header, nil
}

type ncReader struct {
	r   *bufio.Reader
	err error
}

func (r *ncReader) bytes(buf []byte) {
	if r.err != nil {
		return
	}
	_, r.err = io.ReadFull(r.r, buf)
}

func (r *ncReader) uint32() uint32 {
	var buf [4]byte
	r.bytes(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

func (r *ncReader) skip(n int64) {
	if r.err != nil {
		return
	}
	_, r.err = io.CopyN(io.Discard, r.r, n)
}

// name reads a length-prefixed name padded to a 4-byte boundary.
func (r *ncReader) name() string {
	n := r.uint32()
	if r.err != nil {
		return ""
	}
	if n > maxNameLen {
		r.err = fmt.Errorf("name length %d exceeds limit", n)
		return ""
	}
	buf := make([]byte, n)
	r.bytes(buf)
	r.skip(int64(pad4(n) - n))
	return string(buf)
}

func (r *ncReader) list(wantTag uint32) (uint32, error) {
	tag := r.uint32()
	count := r.uint32()
	if r.err != nil {
		return 0, r.err
	}
	switch tag {
	case wantTag:
		return count, nil
	case tagAbsent:
		if count != 0 {
			return 0, fmt.Errorf("absent list with %d elements", count)
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected list tag 0x%02X", tag)
	}
}

func (r *ncReader) skipDimList() error {
	count, err := r.list(tagDimension)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		r.name()
		r.uint32() // dim length
	}
	return r.err
}

func (r *ncReader) readAttrList() ([]string, error) {
	count, err := r.list(tagAttribute)
	if err != nil {
		return nil, err
	}
	var names []string
	for i := uint32(0); i < count; i++ {
		name := r.name()
		ncType := r.uint32()
		nelems := r.uint32()
		if r.err != nil {
			return nil, r.err
		}
		size, ok := ncTypeSize(ncType)
		if !ok {
			return nil, fmt.Errorf("attribute %q: unknown nc_type %d", name, ncType)
		}
		r.skip(int64(pad4(nelems * size)))
		names = append(names, name)
	}
	return names, r.err
}

func (r *ncReader) readVarList(version byte) ([]NCVariable, error) {
	count, err := r.list(tagVariable)
	if err != nil {
		return nil, err
	}
	var vars []NCVariable
	for i := uint32(0); i < count; i++ {
		v := NCVariable{Name: r.name()}
		rank := r.uint32()
		if r.err != nil {
			return nil, r.err
		}
		if rank > maxNameLen {
			return nil, fmt.Errorf("variable %q: rank %d exceeds limit", v.Name, rank)
		}
		r.skip(int64(rank) * 4) // dimension ids
		if v.Attrs, err = r.readAttrList(); err != nil {
			return nil, fmt.Errorf("variable %q: %w", v.Name, err)
		}
		r.uint32() // nc_type
		r.uint32() // vsize
		if version == 2 {
			r.skip(8) // 64-bit begin offset
		} else {
			r.skip(4)
		}
		if r.err != nil {
			return nil, r.err
		}
		vars = append(vars, v)
	}
	return vars, nil
}

func ncTypeSize(t uint32) (uint32, bool) {
	switch t {
	case 1, 2: // NC_BYTE, NC_CHAR
		return 1, true
	case 3: // NC_SHORT
		return 2, true
	case 4, 5: // NC_INT, NC_FLOAT
		return 4, true
	case 6: // NC_DOUBLE
		return 8, true
	default:
		return 0, false
	}
}

func pad4(n uint32) uint32 {
	sz := n
	if rem := sz % 4; rem != 0 {
		sz += 4 - rem
	}
	return sz
}
