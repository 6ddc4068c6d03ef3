// Package export writes analysis results as CSV tables and a YAML config
// snapshot.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/muon.report/internal/config"
	"github.com/banshee-data/muon.report/internal/muon/analysis"
	"github.com/banshee-data/muon.report/internal/muon/density"
	"github.com/banshee-data/muon.report/internal/muon/geom"
	"github.com/banshee-data/muon.report/internal/muon/summary"
)

// PathRecord is one row of paths.csv.
type PathRecord struct {
	Xi float64 `csv:"xi"`
	Yi float64 `csv:"yi"`
	Zi float64 `csv:"zi"`
	Xf float64 `csv:"xf"`
	Yf float64 `csv:"yf"`
	Zf float64 `csv:"zf"`
}

// DensityRecord is one cell of density.csv. X, Y, Z is the cell's corner.
type DensityRecord struct {
	IX    int     `csv:"ix"`
	IY    int     `csv:"iy"`
	X     float64 `csv:"x"`
	Y     float64 `csv:"y"`
	Z     float64 `csv:"z"`
	Count int     `csv:"count"`
}

// DistributionRecord is one row of distribution.csv.
type DistributionRecord struct {
	Rank  int `csv:"rank"`
	Count int `csv:"count"`
}

// WritePathsCSV writes paths with a header row.
func WritePathsCSV(w io.Writer, paths []geom.Path) error {
	records := make([]PathRecord, len(paths))
	for i, p := range paths {
		records[i] = PathRecord{Xi: p.Xi, Yi: p.Yi, Zi: p.Zi, Xf: p.Xf, Yf: p.Yf, Zf: p.Zf}
	}
	if err := gocsv.Marshal(records, w); err != nil {
		return fmt.Errorf("writing paths: %w", err)
	}
	return nil
}

// ReadPathsCSV reads paths written by WritePathsCSV.
func ReadPathsCSV(r io.Reader) ([]geom.Path, error) {
	var records []PathRecord
	if err := gocsv.Unmarshal(r, &records); err != nil {
		return nil, fmt.Errorf("reading paths: %w", err)
	}
	paths := make([]geom.Path, len(records))
	for i, rec := range records {
		paths[i] = geom.NewPath(rec.Xi, rec.Yi, rec.Zi, rec.Xf, rec.Yf, rec.Zf)
	}
	return paths, nil
}

// WriteDensityCSV writes one row per grid cell, ix-major.
func WriteDensityCSV(w io.Writer, g *density.Grid) error {
	records := make([]DensityRecord, 0, g.Spec.Resolution*g.Spec.Resolution)
	for ix, row := range g.Counts {
		for iy, c := range row {
			cell := g.Cell(ix, iy)
			records = append(records, DensityRecord{IX: ix, IY: iy, X: cell.X, Y: cell.Y, Z: cell.Z, Count: c})
		}
	}
	if err := gocsv.Marshal(records, w); err != nil {
		return fmt.Errorf("writing density: %w", err)
	}
	return nil
}

// WriteDistributionCSV writes the sorted cell counts with their rank.
func WriteDistributionCSV(w io.Writer, d summary.Distribution) error {
	records := make([]DistributionRecord, len(d.Sorted))
	for i, v := range d.Sorted {
		records[i] = DistributionRecord{Rank: i, Count: v}
	}
	if err := gocsv.Marshal(records, w); err != nil {
		return fmt.Errorf("writing distribution: %w", err)
	}
	return nil
}

// WriteConfigYAML writes cfg as YAML.
func WriteConfigYAML(w io.Writer, cfg *config.AnalysisConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return enc.Close()
}

// Files written by WriteDir.
const (
	PathsFile        = "paths.csv"
	DensityFile      = "density.csv"
	DistributionFile = "distribution.csv"
	ConfigFile       = "config.yaml"
)

// WriteDir writes every table of res, plus its config, into dir, creating it
// if needed.
func WriteDir(dir string, res *analysis.Result) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	writers := []struct {
		name  string
		write func(io.Writer) error
	}{
		{PathsFile, func(w io.Writer) error { return WritePathsCSV(w, res.Paths) }},
		{DensityFile, func(w io.Writer) error { return WriteDensityCSV(w, res.Grid) }},
		{DistributionFile, func(w io.Writer) error { return WriteDistributionCSV(w, res.Distribution) }},
		{ConfigFile, func(w io.Writer) error { return WriteConfigYAML(w, res.Config) }},
	}
	for _, wr := range writers {
		if err := writeFile(filepath.Join(dir, wr.name), wr.write); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
