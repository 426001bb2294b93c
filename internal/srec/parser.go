// internal/srec/parser.go

// Package srec reads Motorola S-record images into address ordered
// deployment blocks.
package srec

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

var (
	ErrEmptyImage       = errors.New("srec: image has no data records")
	ErrOverlap          = errors.New("srec: overlapping records")
	ErrSignatureSplit   = errors.New("srec: signature does not split evenly across blocks")
	errChecksumMismatch = errors.New("checksum mismatch")
)

// Block is a contiguous run of image bytes
type Block struct {
	Address   uint32
	Data      []byte
	Signature []byte
}

// End returns the first address past the block
func (b Block) End() uint64 {
	return uint64(b.Address) + uint64(len(b.Data))
}

// Image is a parsed S-record file
type Image struct {
	Blocks     []Block
	EntryPoint uint32
}

// Size returns the number of payload bytes across all blocks
func (img *Image) Size() int64 {
	var total int64
	for _, b := range img.Blocks {
		total += int64(len(b.Data))
	}
	return total
}

// ParseError reports a malformed record
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("srec: line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse reads the image at path. When sigPath names an existing file its
// contents are split evenly across the blocks as their signatures. A
// missing image is reported with an error matching os.ErrNotExist.
func Parse(path, sigPath string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, err := ParseReader(f)
	if err != nil {
		return nil, err
	}

	if sigPath == "" {
		return img, nil
	}
	sig, err := os.ReadFile(sigPath)
	if errors.Is(err, os.ErrNotExist) {
		return img, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read signature file: %w", err)
	}
	if err := img.AttachSignature(sig); err != nil {
		return nil, err
	}
	return img, nil
}

type record struct {
	address uint32
	data    []byte
}

// ParseReader reads S-records from r
func ParseReader(r io.Reader) (*Image, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024), 1024*1024)

	var (
		records []record
		img     = &Image{}
		lineNum int
	)

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		typ, address, data, err := parseRecord(line)
		if err != nil {
			return nil, &ParseError{Line: lineNum, Err: err}
		}

		switch typ {
		case '1', '2', '3':
			if len(data) > 0 {
				records = append(records, record{address: address, data: data})
			}
		case '7', '8', '9':
			img.EntryPoint = address
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmptyImage
	}

	blocks, err := mergeRecords(records)
	if err != nil {
		return nil, err
	}
	img.Blocks = blocks
	return img, nil
}

// parseRecord decodes one line and verifies its checksum. The returned
// address is zero-extended to 32 bits.
func parseRecord(line string) (typ byte, address uint32, data []byte, err error) {
	if len(line) < 4 || line[0] != 'S' {
		return 0, 0, nil, fmt.Errorf("not an S-record: %q", truncate(line))
	}
	typ = line[1]

	var addrLen int
	switch typ {
	case '0', '1', '5', '9':
		addrLen = 2
	case '2', '6', '8':
		addrLen = 3
	case '3', '7':
		addrLen = 4
	default:
		return 0, 0, nil, fmt.Errorf("unsupported record type S%c", typ)
	}

	raw, err := hex.DecodeString(line[2:])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("invalid hex data: %w", err)
	}
	if len(raw) < 1 || int(raw[0]) != len(raw)-1 {
		return 0, 0, nil, fmt.Errorf("byte count mismatch")
	}
	if len(raw) < 1+addrLen+1 {
		return 0, 0, nil, fmt.Errorf("record too short for S%c", typ)
	}

	var sum byte
	for _, b := range raw[:len(raw)-1] {
		sum += b
	}
	if ^sum != raw[len(raw)-1] {
		return 0, 0, nil, errChecksumMismatch
	}

	for _, b := range raw[1 : 1+addrLen] {
		address = address<<8 | uint32(b)
	}
	data = raw[1+addrLen : len(raw)-1]
	return typ, address, data, nil
}

// mergeRecords sorts records by address and joins adjacent ones
func mergeRecords(records []record) ([]Block, error) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].address < records[j].address
	})

	var blocks []Block
	for _, rec := range records {
		if n := len(blocks); n > 0 {
			last := &blocks[n-1]
			switch {
			case uint64(rec.address) == last.End():
				last.Data = append(last.Data, rec.data...)
				continue
			case uint64(rec.address) < last.End():
				return nil, fmt.Errorf("%w at 0x%08x", ErrOverlap, rec.address)
			}
		}
		blocks = append(blocks, Block{
			Address: rec.address,
			Data:    append([]byte(nil), rec.data...),
		})
	}
	return blocks, nil
}

// AttachSignature splits sig evenly across the blocks in address order
func (img *Image) AttachSignature(sig []byte) error {
	if len(sig) == 0 || len(img.Blocks) == 0 {
		return nil
	}
	if len(sig)%len(img.Blocks) != 0 {
		return fmt.Errorf("%w: %d bytes for %d blocks", ErrSignatureSplit, len(sig), len(img.Blocks))
	}

	size := len(sig) / len(img.Blocks)
	for i := range img.Blocks {
		img.Blocks[i].Signature = append([]byte(nil), sig[i*size:(i+1)*size]...)
	}
	return nil
}

func truncate(s string) string {
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}
