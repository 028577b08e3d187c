package raster

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ErrBadPGM is returned by ReadPGM for anything but an 8-bit binary P5 file.
var ErrBadPGM = errors.New("raster: malformed PGM")

// WritePGM writes m as a binary P5 graymap with maxval 255.
func WritePGM(w io.Writer, m *BinaryMask) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "P5\n%d %d\n255\n", m.Width, m.Height); err != nil {
		return err
	}
	if _, err := bw.Write(m.Pix); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadPGM reads a P5 graymap and thresholds it at 128.
func ReadPGM(r io.Reader) (*BinaryMask, error) {
	br := bufio.NewReader(r)
	var magic string
	var width, height, maxval int
	if _, err := fmt.Fscan(br, &magic, &width, &height, &maxval); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadPGM, err)
	}
	if magic != "P5" || width <= 0 || height <= 0 || maxval != 255 {
		return nil, fmt.Errorf("%w: %s %dx%d max %d", ErrBadPGM, magic, width, height, maxval)
	}
	// exactly one whitespace byte separates the header from the raster
	if _, err := br.ReadByte(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPGM, err)
	}
	m := NewMask(width, height)
	if _, err := io.ReadFull(br, m.Pix); err != nil {
		return nil, fmt.Errorf("%w: raster: %v", ErrBadPGM, err)
	}
	for i, v := range m.Pix {
		if v >= 128 {
			m.Pix[i] = On
		} else {
			m.Pix[i] = Off
		}
	}
	return m, nil
}
