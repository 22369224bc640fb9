package wal

import (
	"bytes"
	"io"
	"os"
)

// Log file header, fixed 16 bytes:
//
//	[magic:8]["compressed" flag:1][zstd level:1][reserved:6]
var headerMagic = [8]byte{'T', 'H', 'E', 'A', 'P', 'W', 'A', 'L'}

const headerLen = 16

type headerInfo struct {
	Compressed       bool
	CompressionLevel int
	HeaderLen        int64
}

func writeHeader(f *os.File, info headerInfo) (int64, error) {
	var hdr [headerLen]byte
	copy(hdr[0:8], headerMagic[:])
	if info.Compressed {
		hdr[8] = 1
	}
	hdr[9] = byte(info.CompressionLevel)
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return 0, err
	}
	return headerLen, nil
}

func readHeader(f *os.File) (headerInfo, bool, error) {
	var hdr [headerLen]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return headerInfo{}, false, nil
		}
		return headerInfo{}, false, err
	}
	if !bytes.Equal(hdr[0:8], headerMagic[:]) {
		return headerInfo{}, false, nil
	}
	return headerInfo{
		Compressed:       hdr[8] == 1,
		CompressionLevel: int(hdr[9]),
		HeaderLen:        headerLen,
	}, true, nil
}
