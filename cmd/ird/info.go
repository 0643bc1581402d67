package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/djherbis/times"
	units "github.com/docker/go-units"

	"github.com/xakep666/ird/pkg/ird"
	"github.com/xakep666/ird/pkg/isofs"
)

type infoCmd struct {
	Path *os.File `arg:"" help:"Path to the IRD file." type:"existingfile"`
	ISO  *os.File `help:"Optional source ISO, to additionally print its full PARAM.SFO/PS3_DISC.SFB key/value tables." type:"existingfile"`

	JSON bool `help:"Print as JSON instead of a human-readable summary."`
	All  bool `help:"Also print every region and file hash, plus extended file metadata."`
}

type infoSummary struct {
	Version       ird.Version `json:"version"`
	TitleID       string      `json:"titleId"`
	Title         string      `json:"title"`
	SystemVersion string      `json:"systemVersion"`
	DiscVersion   string      `json:"discVersion"`
	AppVersion    string      `json:"appVersion"`
	Reproducible  bool        `json:"reproducible"`
	UID           uint32      `json:"uid"`
	RegionCount   int         `json:"regionCount"`
	FileCount     int         `json:"fileCount"`
	HeaderSize    string      `json:"headerSize"`
	FooterSize    string      `json:"footerSize"`

	Regions []ird.Region    `json:"regions,omitempty"`
	Files   []ird.FileEntry `json:"files,omitempty"`

	DiscMetadata *ird.DiscMetadata `json:"discMetadata,omitempty"`
	IRDBirthTime string            `json:"irdBirthTime,omitempty"`
}

func (c *infoCmd) Run() error {
	defer c.Path.Close()

	out, err := ird.Read(c.Path)
	if err != nil {
		return fmt.Errorf("reading ird: %w", err)
	}

	summary := infoSummary{
		Version:       out.Version,
		TitleID:       out.Metadata.TitleID,
		Title:         out.Metadata.Title,
		SystemVersion: out.Metadata.SystemVersion,
		DiscVersion:   out.Metadata.DiscVersion,
		AppVersion:    out.Metadata.AppVersion,
		Reproducible:  out.Reproducible(),
		UID:           out.UID,
		RegionCount:   len(out.Regions),
		FileCount:     len(out.Files),
		HeaderSize:    units.BytesSize(float64(len(out.Header))),
		FooterSize:    units.BytesSize(float64(len(out.Footer))),
	}

	if c.All {
		summary.Regions = out.Regions
		summary.Files = out.Files

		if st, err := c.Path.Stat(); err == nil {
			if spec := times.Get(st); spec.HasBirthTime() {
				summary.IRDBirthTime = spec.BirthTime().Format("2006-01-02T15:04:05Z07:00")
			}
		}
	}

	if c.ISO != nil {
		fsys, err := isofs.NewReader(c.ISO)
		if err != nil {
			return fmt.Errorf("reading iso filesystem: %w", err)
		}

		md, err := ird.ReadDiscMetadata(fsys)
		if err != nil {
			return fmt.Errorf("reading disc metadata: %w", err)
		}
		summary.DiscMetadata = &md
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	return c.printHuman(summary)
}

func (c *infoCmd) printHuman(s infoSummary) error {
	fmt.Printf("Version:        %d\n", s.Version)
	fmt.Printf("Title:          %s (%s)\n", s.Title, s.TitleID)
	fmt.Printf("System version: %s\n", s.SystemVersion)
	fmt.Printf("Disc version:   %s\n", s.DiscVersion)
	fmt.Printf("App version:    %s\n", s.AppVersion)
	fmt.Printf("Reproducible:   %t\n", s.Reproducible)
	if s.Reproducible {
		fmt.Printf("UID:            %#08x\n", s.UID)
	}
	fmt.Printf("Regions:        %d\n", s.RegionCount)
	fmt.Printf("Files:          %d\n", s.FileCount)
	fmt.Printf("Header size:    %s\n", s.HeaderSize)
	fmt.Printf("Footer size:    %s\n", s.FooterSize)
	if s.IRDBirthTime != "" {
		fmt.Printf("IRD birth time: %s\n", s.IRDBirthTime)
	}

	if s.Regions != nil {
		fmt.Println("\nRegions:")
		for i, r := range s.Regions {
			kind := "cleartext"
			if r.Encrypted(i) {
				kind = "encrypted"
			}
			fmt.Printf("  [%d] %s sectors %d-%d hash %x\n", i, kind, r.Start, r.End, r.Hash)
		}
	}

	if s.Files != nil {
		fmt.Println("\nFiles:")
		for _, f := range s.Files {
			fmt.Printf("  key=%d hash=%x\n", f.FileKey, f.Hash)
		}
	}

	if s.DiscMetadata != nil {
		fmt.Println("\nPS3_DISC.SFB:")
		for k, v := range s.DiscMetadata.SFB {
			fmt.Printf("  %s = %s\n", k, v)
		}
		fmt.Println("\nPARAM.SFO:")
		for k, v := range s.DiscMetadata.SFO {
			fmt.Printf("  %s = %s\n", k, v)
		}
	}

	return nil
}
