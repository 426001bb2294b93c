// internal/device/deploy.go
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"mfdeploy/internal/srec"
	"mfdeploy/internal/wireprotocol"
)

// emptySignatureSize is the all-zero signature sent for unsigned blocks
const emptySignatureSize = 128

// Deploy writes the S-record image at imagePath to flash and returns its
// entry point. sigPath may be empty or name a missing file, in which case
// blocks are checked against an empty signature when written through the
// bootloader. Partial writes are left in place on failure.
func (s *Session) Deploy(ctx context.Context, imagePath, sigPath string) (uint32, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := os.Stat(imagePath); err != nil {
		return 0, &FileNotFoundError{Path: imagePath}
	}
	engine, err := s.requireEngine()
	if err != nil {
		return 0, err
	}

	engine.TryToConnect(ctx, 1, s.settings.PingTimeout, true, wireprotocol.SourceUnknown)
	s.refreshState()

	img, err := srec.Parse(imagePath, sigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, &FileNotFoundError{Path: imagePath}
		}
		return 0, fmt.Errorf("failed to parse image: %w", err)
	}

	total := img.Size()
	if err := s.prepareForDeploy(ctx, img.Blocks); err != nil {
		return 0, err
	}

	// The session may have moved to the bootloader port.
	engine, err = s.requireEngine()
	if err != nil {
		return 0, err
	}

	name := filepath.Base(imagePath)
	chunkSize := s.settings.ChunkSize
	if chunkSize <= 0 || chunkSize > wireprotocol.MaxPayload-8 {
		chunkSize = DefaultSettings().ChunkSize
	}

	var value int64
	for _, block := range img.Blocks {
		if err := s.checkCancel(ctx); err != nil {
			return 0, err
		}

		s.progress(value, total, fmt.Sprintf("Erasing sector 0x%08x", block.Address))

		length := uint32(len(block.Data))
		ok, err := engine.EraseMemory(ctx, block.Address, length)
		if err != nil {
			return 0, s.failure(ctx, "erase", err)
		}
		if !ok {
			return 0, &EraseFailureError{Address: block.Address, Length: length}
		}

		for off := 0; off < len(block.Data); off += chunkSize {
			if err := s.checkCancel(ctx); err != nil {
				return 0, err
			}

			end := off + chunkSize
			if end > len(block.Data) {
				end = len(block.Data)
			}
			addr := block.Address + uint32(off)

			ok, err := engine.WriteMemory(ctx, addr, block.Data[off:end])
			if err != nil {
				return 0, s.failure(ctx, "write", err)
			}
			if !ok {
				return 0, &DeployFailureError{Address: addr}
			}

			value += int64(end - off)
			s.progress(value, total, "Flashing "+name)
		}

		if engine.ConnectionSource() != wireprotocol.SourceTinyCLR {
			s.progress(value, total, "Checking signature")

			sig := block.Signature
			if len(sig) == 0 {
				sig = make([]byte, emptySignatureSize)
			}
			ok, err := engine.CheckSignature(ctx, sig, 0)
			if err != nil {
				return 0, s.failure(ctx, "check signature", err)
			}
			if !ok {
				return 0, &SignatureFailureError{Path: sigPath, Address: block.Address}
			}
		}
	}

	s.logger.Info("Image deployed",
		zap.String("image", name),
		zap.Int("blocks", len(img.Blocks)),
		zap.Int64("bytes", total),
		zap.Uint32("entry_point", img.EntryPoint),
	)
	return img.EntryPoint, nil
}

// prepareForDeploy puts the device in a mode that may write every block.
// Blocks outside a deployment sector need the bootloader; the deployment
// region is erased up front when any block targets it.
func (s *Session) prepareForDeploy(ctx context.Context, blocks []srec.Block) error {
	if !s.IsClrDebuggerEnabled(ctx) {
		s.progress(0, 1, "Connecting to bootloader")
		ok, err := s.connectToTinyBooter(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return noResponse("connect to bootloader", nil)
		}
	}

	engine, err := s.requireEngine()
	if err != nil {
		return err
	}
	sectors, err := engine.GetFlashSectorMap(ctx)
	if err != nil {
		return s.failure(ctx, "flash sector map", err)
	}

	eraseDeployment := false
	for _, block := range blocks {
		sector, found := coveringSector(sectors, block.Address)
		if found && sector.Kind() == wireprotocol.FlashUsageDeployment {
			eraseDeployment = true
			continue
		}

		if s.currentEngine().ConnectionSource() != wireprotocol.SourceTinyBooter {
			s.logger.Debug("Block outside deployment region needs bootloader",
				zap.Uint32("address", block.Address),
				zap.Bool("sector_found", found),
			)
			s.progress(0, 1, "Connecting to bootloader")
			ok, err := s.connectToTinyBooter(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return noResponse("connect to bootloader", nil)
			}
		}
	}

	if eraseDeployment {
		if err := s.erase(ctx, EraseDeployment, true); err != nil {
			return err
		}
	} else if s.currentEngine().ConnectionSource() != wireprotocol.SourceTinyBooter {
		if _, err := s.connectToTinyBooter(ctx); err != nil {
			return err
		}
	}

	engine, err = s.requireEngine()
	if err != nil {
		return err
	}
	if engine.ConnectionSource() == wireprotocol.SourceTinyCLR {
		if _, err := engine.PauseExecution(ctx); err != nil {
			return s.failure(ctx, "pause", err)
		}
	}
	return nil
}

func coveringSector(sectors []wireprotocol.FlashSector, addr uint32) (wireprotocol.FlashSector, bool) {
	for _, sec := range sectors {
		if sec.Contains(addr) {
			return sec, true
		}
	}
	return wireprotocol.FlashSector{}, false
}
