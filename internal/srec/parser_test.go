package srec

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// line builds an S-record with a valid checksum
func line(typ byte, addrLen int, addr uint32, data []byte) string {
	raw := []byte{byte(addrLen + len(data) + 1)}
	for i := addrLen - 1; i >= 0; i-- {
		raw = append(raw, byte(addr>>(8*i)))
	}
	raw = append(raw, data...)

	var sum byte
	for _, b := range raw {
		sum += b
	}
	raw = append(raw, ^sum)
	return fmt.Sprintf("S%c%X", typ, raw)
}

func TestParseReader(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantBlocks []Block
		wantEntry  uint32
		wantErr    error
	}{
		{
			name: "header and s1 data",
			input: "S00F000068656C6C6F202020202000003C\n" +
				line('1', 2, 0x1000, []byte{1, 2, 3, 4}) + "\n" +
				"S5030003F9\n" +
				"S9030000FC\n",
			wantBlocks: []Block{{Address: 0x1000, Data: []byte{1, 2, 3, 4}}},
		},
		{
			name: "adjacent records merge",
			input: line('3', 4, 0x08010000, []byte{1, 2}) + "\n" +
				line('3', 4, 0x08010002, []byte{3, 4}) + "\n" +
				line('7', 4, 0x08010001, nil) + "\n",
			wantBlocks: []Block{{Address: 0x08010000, Data: []byte{1, 2, 3, 4}}},
			wantEntry:  0x08010001,
		},
		{
			name: "gap splits blocks and out of order records sort",
			input: line('3', 4, 0x08020000, []byte{9}) + "\n" +
				line('2', 3, 0x010000, []byte{7, 8}) + "\n" +
				line('8', 3, 0x010000, nil) + "\n",
			wantBlocks: []Block{
				{Address: 0x010000, Data: []byte{7, 8}},
				{Address: 0x08020000, Data: []byte{9}},
			},
			wantEntry: 0x010000,
		},
		{
			name: "overlap",
			input: line('1', 2, 0x10, []byte{1, 2, 3}) + "\n" +
				line('1', 2, 0x11, []byte{4}) + "\n",
			wantErr: ErrOverlap,
		},
		{
			name:    "no data",
			input:   "S00F000068656C6C6F202020202000003C\nS9030000FC\n",
			wantErr: ErrEmptyImage,
		},
		{
			name:    "bad checksum",
			input:   "S9030000FD\n",
			wantErr: errChecksumMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := ParseReader(strings.NewReader(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseReader() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseReader() error = %v", err)
			}
			if img.EntryPoint != tt.wantEntry {
				t.Errorf("EntryPoint = 0x%x, want 0x%x", img.EntryPoint, tt.wantEntry)
			}
			if len(img.Blocks) != len(tt.wantBlocks) {
				t.Fatalf("blocks = %d, want %d", len(img.Blocks), len(tt.wantBlocks))
			}
			for i, want := range tt.wantBlocks {
				got := img.Blocks[i]
				if got.Address != want.Address || !bytes.Equal(got.Data, want.Data) {
					t.Errorf("block %d = {0x%x %v}, want {0x%x %v}", i, got.Address, got.Data, want.Address, want.Data)
				}
			}
		})
	}
}

func TestParseErrorCarriesLine(t *testing.T) {
	input := line('1', 2, 0, []byte{1}) + "\n\nS1zz\n"
	_, err := ParseReader(strings.NewReader(input))

	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want ParseError", err)
	}
	if perr.Line != 3 {
		t.Errorf("Line = %d, want 3", perr.Line)
	}
}

func TestParseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.hex")
	content := line('3', 4, 0x08010000, bytes.Repeat([]byte{0xAA}, 32)) + "\n" +
		line('3', 4, 0x08020000, bytes.Repeat([]byte{0xBB}, 16)) + "\n" +
		line('7', 4, 0x08010040, nil) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	first, err := Parse(path, "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := Parse(path, "")
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if again.EntryPoint != first.EntryPoint {
			t.Errorf("entry point changed: 0x%x != 0x%x", again.EntryPoint, first.EntryPoint)
		}
		if again.Size() != first.Size() || len(again.Blocks) != len(first.Blocks) {
			t.Errorf("blocks changed between parses")
		}
	}
	if first.Size() != 48 {
		t.Errorf("Size() = %d, want 48", first.Size())
	}
}

func TestParseMissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "missing.hex"), "")
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Parse() error = %v, want os.ErrNotExist", err)
	}
}

func TestParseSignature(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.hex")
	content := line('3', 4, 0x1000, []byte{1}) + "\n" + line('3', 4, 0x2000, []byte{2}) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("split evenly", func(t *testing.T) {
		sig := filepath.Join(dir, "even.sig")
		os.WriteFile(sig, []byte{1, 2, 3, 4}, 0o644)

		img, err := Parse(path, sig)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if !bytes.Equal(img.Blocks[0].Signature, []byte{1, 2}) || !bytes.Equal(img.Blocks[1].Signature, []byte{3, 4}) {
			t.Errorf("signatures = %v, %v", img.Blocks[0].Signature, img.Blocks[1].Signature)
		}
	})

	t.Run("uneven", func(t *testing.T) {
		sig := filepath.Join(dir, "odd.sig")
		os.WriteFile(sig, []byte{1, 2, 3}, 0o644)

		if _, err := Parse(path, sig); !errors.Is(err, ErrSignatureSplit) {
			t.Errorf("Parse() error = %v, want ErrSignatureSplit", err)
		}
	})

	t.Run("missing signature file is ignored", func(t *testing.T) {
		img, err := Parse(path, filepath.Join(dir, "none.sig"))
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if img.Blocks[0].Signature != nil {
			t.Errorf("signature = %v, want nil", img.Blocks[0].Signature)
		}
	})
}
