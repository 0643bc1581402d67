package ird

import (
	"context"
	"fmt"
	"io"

	"github.com/xakep666/ird/pkg/getkeylog"
	"github.com/xakep666/ird/pkg/isofs"
	"github.com/xakep666/ird/pkg/keyschedule"
	"github.com/xakep666/ird/pkg/pic"
)

// KeySource supplies the DiscKey, DiscID, and PIC a Build call needs. Exactly
// one of its two constructors is normally used: FromDiscKey for a known key
// plus derived/defaulted DiscID and PIC, or FromGetKeyLogResult for values
// lifted straight from a dumping tool's log.
type KeySource struct {
	DiscKey [keySize]byte
	DiscID  [keySize]byte // used only when set by FromGetKeyLogResult; otherwise derived from Size/RegionCode
	PIC     [picSize]byte // used only when set by FromGetKeyLogResult; otherwise synthesized from Size/Layerbreak

	havePIC    bool
	haveDiscID bool

	// TrailingSerialNotMasked carries getkeylog.Result's same-named flag
	// through to BuildResult.Warnings when sourced from a log.
	trailingSerialNotMasked bool
}

// FromDiscKey builds a KeySource around an explicit disc key; DiscID and PIC
// are left to be derived/synthesized by Build.
func FromDiscKey(discKey [keySize]byte) KeySource {
	return KeySource{DiscKey: discKey}
}

// FromGetKeyLogResult builds a KeySource from a parsed GetKey-style dumping
// log (see pkg/getkeylog), carrying its DiscKey, DiscID, and PIC verbatim.
func FromGetKeyLogResult(res *getkeylog.Result) (KeySource, error) {
	var ks KeySource
	if len(res.DiscKey) != keySize || len(res.DiscID) != keySize || len(res.PIC) != picSize {
		return ks, fmt.Errorf("%w: getkeylog result has unexpected field sizes", ErrInvalidArgument)
	}
	copy(ks.DiscKey[:], res.DiscKey)
	copy(ks.DiscID[:], res.DiscID)
	copy(ks.PIC[:], res.PIC)
	ks.haveDiscID = true
	ks.havePIC = true
	ks.trailingSerialNotMasked = res.TrailingSerialNotMasked
	return ks, nil
}

// BuildOptions configures one full IRD construction: running the engine and
// assembling a complete, validated IRD from its output plus key material.
type BuildOptions struct {
	FS   isofs.FS
	Raw  io.ReaderAt
	Size int64

	Keys KeySource

	// Reproducible builds a redump-style IRD: ExtraConfig's low bit set,
	// UID = CRC-32(ISO), DiscID derived from Size/RegionCode and PIC from
	// Size/Layerbreak (Keys.DiscID/Keys.PIC are ignored in this mode).
	Reproducible bool

	RegionCode   keyschedule.DiscIDRegionCode // default RegionA, BD-25 only
	Layerbreak   int64
	ExactIRD     bool
	ClearRegions bool
	Version      Version // defaults Version9

	Metadata Metadata // TitleID/Title/versions not recovered from PARAM.SFO

	BufferSectors int
	Status        StatusFunc
}

// BuildResult wraps the constructed IRD plus non-fatal warnings surfaced
// during construction: an unmasked GetKey-log serial (§9 Open Question (b))
// followed by the engine's own Result.Warnings.
type BuildResult struct {
	IRD      *IRD
	Warnings []string
}

// Build runs the streaming engine (Generate) and assembles a complete,
// validated IRD: Data1Key/Data2Key via the fixed key schedules, PIC either
// taken from Keys or synthesized, and Metadata/UID/ExtraConfig per whether
// Reproducible is set.
func Build(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	if opts.RegionCode == 0 {
		opts.RegionCode = keyschedule.RegionA
	}
	version := opts.Version
	if version == 0 {
		version = Version9
	}

	result, err := Generate(ctx, EngineOptions{
		FS:            opts.FS,
		Raw:           opts.Raw,
		Size:          opts.Size,
		DiscKey:       opts.Keys.DiscKey,
		BufferSectors: opts.BufferSectors,
		ClearRegions:  opts.ClearRegions,
		Status:        opts.Status,
	})
	if err != nil {
		return nil, err
	}

	isBD50 := opts.Size > pic.BDLayerSize

	discID := opts.Keys.DiscID
	if opts.Reproducible || !opts.Keys.haveDiscID {
		discID = [keySize]byte{}
		copy(discID[:], keyschedule.DiscIDForSize(isBD50, opts.RegionCode))
	}

	data1Key, err := keyschedule.DeriveData1Key(opts.Keys.DiscKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	data2Key, err := keyschedule.DeriveData2Key(discID[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	var picBytes []byte
	if opts.Reproducible || !opts.Keys.havePIC {
		picBytes, err = pic.Synthesize(pic.Options{
			Size:       opts.Size,
			Layerbreak: opts.Layerbreak,
			ExactIRD:   opts.ExactIRD,
			CheckBDMV: func() (bool, error) {
				_, derr := opts.FS.ReadDir("BDMV")
				return derr == nil, nil
			},
		})
		if err != nil {
			return nil, err
		}
	} else {
		picBytes = opts.Keys.PIC[:]
	}

	metadata := opts.Metadata
	if metadata.TitleID == "" {
		metadata.TitleID = result.TitleID
	}
	if metadata.Title == "" {
		metadata.Title = result.Title
	}
	metadata.SystemVersion = result.SystemVersion

	out := &IRD{
		Version:  version,
		Metadata: metadata,
		Header:   result.Header,
		Footer:   result.Footer,
		Regions:  result.Regions,
		Files:    result.Files,
	}
	copy(out.Data1Key[:], data1Key)
	copy(out.Data2Key[:], data2Key)
	copy(out.PIC[:], picBytes)

	if opts.Reproducible {
		out.SetReproducible(true)
		out.UID = result.CRC32
	}

	if err := out.validate(); err != nil {
		return nil, err
	}

	br := &BuildResult{IRD: out}
	if opts.Keys.trailingSerialNotMasked {
		br.Warnings = append(br.Warnings, "GetKey log disc_id trailing serial was not the XXXXXXXX placeholder; normalized to 00000001 anyway")
	}
	for _, w := range result.Warnings {
		br.Warnings = append(br.Warnings, w.Error())
	}

	return br, nil
}
