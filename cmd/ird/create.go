package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/xakep666/ird/pkg/getkeylog"
	"github.com/xakep666/ird/pkg/ird"
	"github.com/xakep666/ird/pkg/isofs"
	"github.com/xakep666/ird/pkg/keyschedule"
)

type createCmd struct {
	ISO *os.File `arg:"" help:"Path to the source ISO." type:"existingfile"`

	Key        string   `help:"Disc key, as 32 hex chars." xor:"keysource"`
	KeyFile    *os.File `help:"Path to a file holding the raw 16-byte disc key." xor:"keysource" type:"existingfile"`
	GetKeyLog  *os.File `name:"getkey-log" help:"Path to a GetKey-style dumping log." xor:"keysource" type:"existingfile"`

	Layerbreak   int64  `help:"Byte offset of the layer transition, for BD-50 images. Defaults to the standard layerbreak."`
	Reproducible bool   `short:"r" help:"Build a redump-style reproducible IRD (UID = CRC-32 of the ISO, DiscID/PIC derived from size, region and layerbreak)."`
	ExactIRD     bool   `name:"exact-ird" help:"Mark the PIC as a 3k3y exact dump."`
	ClearRegions bool   `help:"Treat the ISO as already decrypted; skip in-place AES decryption of odd regions."`
	Region       string `help:"BD-25 disc region code (A, B or C)." default:"A" enum:"A,B,C"`

	BufferSize int `help:"Streaming read buffer size." default:"2MiB" type:"binsize"`

	Output *os.File `help:"Path to write the generated IRD." type:"outputfile" required:""`
}

func (c *createCmd) Run() error {
	st, err := c.ISO.Stat()
	if err != nil {
		return fmt.Errorf("stat iso: %w", err)
	}

	fsys, err := isofs.NewReader(c.ISO)
	if err != nil {
		return fmt.Errorf("reading iso filesystem: %w", err)
	}

	keys, err := c.keySource()
	if err != nil {
		return err
	}

	progress := mpb.New(mpb.WithWidth(64))
	bar := progress.AddBar(st.Size()/isofs.SectorSize,
		mpb.PrependDecorators(decor.Name("hashing")),
		mpb.AppendDecorators(decor.Percentage()),
	)
	defer progress.Wait()

	result, err := ird.Build(context.Background(), ird.BuildOptions{
		FS:   fsys,
		Raw:  c.ISO,
		Size: st.Size(),

		Keys:         keys,
		Reproducible: c.Reproducible,
		RegionCode:   keyschedule.DiscIDRegionCode(c.Region[0]),
		Layerbreak:   c.Layerbreak,
		ExactIRD:     c.ExactIRD,
		ClearRegions: c.ClearRegions,

		BufferSectors: c.BufferSize / int(isofs.SectorSize),
		Status: func(s ird.Status) {
			bar.SetCurrent(s.SectorsDone)
			if s.Note != "" {
				slog.Warn(s.Note)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("building ird: %w", err)
	}

	for _, w := range result.Warnings {
		slog.Warn(w)
	}

	return writeIRDTransactional(c.Output, result.IRD)
}

func (c *createCmd) keySource() (ird.KeySource, error) {
	switch {
	case c.Key != "":
		key, err := decodeKeyHex(c.Key)
		if err != nil {
			return ird.KeySource{}, err
		}
		return ird.FromDiscKey(key), nil

	case c.KeyFile != nil:
		raw, err := readAllClose(c.KeyFile)
		if err != nil {
			return ird.KeySource{}, fmt.Errorf("reading key file: %w", err)
		}
		if len(raw) != 16 {
			return ird.KeySource{}, fmt.Errorf("key file must hold exactly 16 raw bytes, got %d", len(raw))
		}
		var key [16]byte
		copy(key[:], raw)
		return ird.FromDiscKey(key), nil

	case c.GetKeyLog != nil:
		defer c.GetKeyLog.Close()
		res, err := getkeylog.Parse(c.GetKeyLog)
		if err != nil {
			return ird.KeySource{}, fmt.Errorf("parsing getkey log: %w", err)
		}
		return ird.FromGetKeyLogResult(res)

	default:
		return ird.KeySource{}, fmt.Errorf("one of --key, --key-file or --getkey-log is required")
	}
}

func decodeKeyHex(s string) ([16]byte, error) {
	var key [16]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("decoding --key: %w", err)
	}
	if len(b) != 16 {
		return key, fmt.Errorf("--key must decode to 16 bytes, got %d", len(b))
	}
	copy(key[:], b)
	return key, nil
}

func readAllClose(f *os.File) ([]byte, error) {
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, st.Size())
	n, err := f.ReadAt(buf, 0)
	if n == len(buf) {
		return buf, nil
	}
	return buf, err
}

// writeIRDTransactional writes out to a scratch path alongside dst and
// renames it into place on success, so a failed or interrupted write never
// leaves a truncated IRD at the requested path. Writing to stdout (dst set
// by OutputFileMapper's "-" case) skips the scratch file entirely.
func writeIRDTransactional(dst *os.File, out *ird.IRD) error {
	if dst == os.Stdout {
		return ird.Write(dst, out)
	}

	fs := afero.NewOsFs()
	dst.Close()

	scratchPath := dst.Name() + ".tmp"
	scratch, err := fs.Create(scratchPath)
	if err != nil {
		return fmt.Errorf("creating scratch file: %w", err)
	}

	if err := ird.Write(scratch, out); err != nil {
		scratch.Close()
		fs.Remove(scratchPath)
		return fmt.Errorf("writing ird: %w", err)
	}

	if err := scratch.Close(); err != nil {
		fs.Remove(scratchPath)
		return fmt.Errorf("closing scratch file: %w", err)
	}

	if err := fs.Rename(scratchPath, dst.Name()); err != nil {
		return fmt.Errorf("committing ird: %w", err)
	}

	return nil
}
