package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/xakep666/ird/pkg/getkeylog"
	"github.com/xakep666/ird/pkg/ird"
	"github.com/xakep666/ird/pkg/isofs"
)

type verifyCmd struct {
	Path *os.File `arg:"" optional:"" help:"Path to the stored IRD." type:"existingfile"`
	ISO  *os.File `arg:"" optional:"" help:"Path to the ISO to verify against." type:"existingfile"`

	Key       string   `help:"Disc key, as 32 hex chars." xor:"keysource"`
	GetKeyLog *os.File `name:"getkey-log" help:"Path to a GetKey-style dumping log." xor:"keysource" type:"existingfile"`

	// Batch lists additional "<ird path>\t<iso path>" pairs, one per line,
	// verified concurrently via errgroup alongside Path/ISO if given.
	Batch *os.File `help:"Newline-delimited \"ird-path<TAB>iso-path\" pairs to verify concurrently." type:"existingfile"`
}

type verifyPair struct {
	irdPath, isoPath string
}

func (c *verifyCmd) Run() error {
	var pairs []verifyPair
	if c.Path != nil && c.ISO != nil {
		pairs = append(pairs, verifyPair{c.Path.Name(), c.ISO.Name()})
	}

	if c.Batch != nil {
		defer c.Batch.Close()
		batchPairs, err := readBatchPairs(c.Batch)
		if err != nil {
			return fmt.Errorf("reading batch file: %w", err)
		}
		pairs = append(pairs, batchPairs...)
	}

	if len(pairs) == 0 {
		return fmt.Errorf("nothing to verify: give <path> <iso>, --batch, or both")
	}

	keySource, err := c.keySource()
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(context.Background())
	results := make([]error, len(pairs))

	for i, p := range pairs {
		i, p := i, p
		eg.Go(func() error {
			results[i] = verifyOne(ctx, p, keySource)
			return nil // collect failures per-pair; don't abort the whole batch
		})
	}
	_ = eg.Wait()

	var failed int
	for i, p := range pairs {
		if results[i] != nil {
			failed++
			fmt.Printf("FAIL %s vs %s: %v\n", p.irdPath, p.isoPath, results[i])
		} else {
			fmt.Printf("OK   %s vs %s\n", p.irdPath, p.isoPath)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d verification(s) failed", failed, len(pairs))
	}
	return nil
}

func verifyOne(ctx context.Context, p verifyPair, keys ird.KeySource) error {
	irdFile, err := os.Open(p.irdPath)
	if err != nil {
		return fmt.Errorf("opening ird: %w", err)
	}
	defer irdFile.Close()

	want, err := ird.Read(irdFile)
	if err != nil {
		return fmt.Errorf("reading ird: %w", err)
	}

	isoFile, err := os.Open(p.isoPath)
	if err != nil {
		return fmt.Errorf("opening iso: %w", err)
	}
	defer isoFile.Close()

	st, err := isoFile.Stat()
	if err != nil {
		return fmt.Errorf("stat iso: %w", err)
	}

	fsys, err := isofs.NewReader(isoFile)
	if err != nil {
		return fmt.Errorf("reading iso filesystem: %w", err)
	}

	res, err := ird.Build(ctx, ird.BuildOptions{
		FS:           fsys,
		Raw:          isoFile,
		Size:         st.Size(),
		Keys:         keys,
		Reproducible: want.Reproducible(),
		Version:      want.Version,
	})
	if err != nil {
		return fmt.Errorf("rebuilding ird from iso: %w", err)
	}

	return diffIRD(want, res.IRD)
}

func diffIRD(want, got *ird.IRD) error {
	if len(want.Regions) != len(got.Regions) {
		return fmt.Errorf("region count mismatch: stored %d, computed %d", len(want.Regions), len(got.Regions))
	}
	for i := range want.Regions {
		if want.Regions[i].Hash != got.Regions[i].Hash {
			return fmt.Errorf("region %d hash mismatch", i)
		}
	}

	if len(want.Files) != len(got.Files) {
		return fmt.Errorf("file count mismatch: stored %d, computed %d", len(want.Files), len(got.Files))
	}
	for i := range want.Files {
		if want.Files[i].FileKey != got.Files[i].FileKey || want.Files[i].Hash != got.Files[i].Hash {
			return fmt.Errorf("file %d (key %d) hash mismatch", i, want.Files[i].FileKey)
		}
	}

	if !bytes.Equal(want.Data1Key[:], got.Data1Key[:]) {
		return fmt.Errorf("data1 key mismatch")
	}
	if !bytes.Equal(want.Data2Key[:], got.Data2Key[:]) {
		return fmt.Errorf("data2 key mismatch")
	}

	return nil
}

func (c *verifyCmd) keySource() (ird.KeySource, error) {
	switch {
	case c.Key != "":
		key, err := decodeKeyHex(c.Key)
		if err != nil {
			return ird.KeySource{}, err
		}
		return ird.FromDiscKey(key), nil

	case c.GetKeyLog != nil:
		defer c.GetKeyLog.Close()
		res, err := getkeylog.Parse(c.GetKeyLog)
		if err != nil {
			return ird.KeySource{}, fmt.Errorf("parsing getkey log: %w", err)
		}
		return ird.FromGetKeyLogResult(res)

	default:
		return ird.KeySource{}, fmt.Errorf("one of --key or --getkey-log is required")
	}
}

func readBatchPairs(f *os.File) ([]verifyPair, error) {
	var pairs []verifyPair

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed batch line %q: expected \"ird-path<TAB>iso-path\"", line)
		}
		pairs = append(pairs, verifyPair{fields[0], fields[1]})
	}

	return pairs, sc.Err()
}
