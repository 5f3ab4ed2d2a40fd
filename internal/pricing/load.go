package pricing

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type fileEntry struct {
	Vendor      string  `koanf:"vendor"`
	Model       string  `koanf:"model"`
	Effective   string  `koanf:"effective"`
	InputPer1K  float64 `koanf:"input_per_1k"`
	OutputPer1K float64 `koanf:"output_per_1k"`
}

type fileTable struct {
	Prices []fileEntry `koanf:"prices"`
}

// LoadFile reads a price table from YAML:
//
//	prices:
//	  - vendor: openai
//	    model: gpt-4
//	    effective: "2023-03-14"
//	    input_per_1k: 0.03
//	    output_per_1k: 0.06
//
// Updates are made by editing the file and restarting the gateway.
func LoadFile(path string) (*Table, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load price table %s: %w", path, err)
	}

	var ft fileTable
	if err := k.Unmarshal("", &ft); err != nil {
		return nil, fmt.Errorf("decode price table %s: %w", path, err)
	}
	if len(ft.Prices) == 0 {
		return nil, fmt.Errorf("price table %s has no entries", path)
	}

	entries := make([]Entry, 0, len(ft.Prices))
	for i, fe := range ft.Prices {
		eff, err := parseEffective(fe.Effective)
		if err != nil {
			return nil, fmt.Errorf("price table %s entry %d: %w", path, i, err)
		}
		entries = append(entries, Entry{
			Vendor:      fe.Vendor,
			Model:       fe.Model,
			Effective:   eff,
			InputPer1K:  fe.InputPer1K,
			OutputPer1K: fe.OutputPer1K,
		})
	}
	return NewTable(entries)
}

func parseEffective(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid effective date %q (want YYYY-MM-DD or RFC3339)", s)
	}
	return t.UTC(), nil
}

func date(s string) time.Time {
	t, _ := time.Parse(time.DateOnly, s)
	return t
}

// Default returns the built-in table used when no PRICING_FILE is configured.
func Default() *Table {
	t, err := NewTable([]Entry{
		{Vendor: "openai", Model: "gpt-4", Effective: date("2023-03-14"), InputPer1K: 0.03, OutputPer1K: 0.06},
		{Vendor: "openai", Model: "gpt-4o", Effective: date("2024-05-13"), InputPer1K: 0.005, OutputPer1K: 0.015},
		{Vendor: "openai", Model: "gpt-4o", Effective: date("2024-10-01"), InputPer1K: 0.0025, OutputPer1K: 0.01},
		{Vendor: "openai", Model: "gpt-4o-mini", Effective: date("2024-07-18"), InputPer1K: 0.00015, OutputPer1K: 0.0006},
		{Vendor: "openai", Model: "gpt-3.5-turbo", Effective: date("2024-01-25"), InputPer1K: 0.0005, OutputPer1K: 0.0015},
		{Vendor: "anthropic", Model: "claude-3-5-sonnet-20241022", Effective: date("2024-10-22"), InputPer1K: 0.003, OutputPer1K: 0.015},
		{Vendor: "anthropic", Model: "claude-3-5-haiku-20241022", Effective: date("2024-10-22"), InputPer1K: 0.0008, OutputPer1K: 0.004},
		{Vendor: "anthropic", Model: "claude-3-opus-20240229", Effective: date("2024-02-29"), InputPer1K: 0.015, OutputPer1K: 0.075},
		{Vendor: "anthropic", Model: "claude-3-haiku-20240307", Effective: date("2024-03-07"), InputPer1K: 0.00025, OutputPer1K: 0.00125},
		{Vendor: "google", Model: "gemini-1.5-pro", Effective: date("2024-10-01"), InputPer1K: 0.00125, OutputPer1K: 0.005},
		{Vendor: "google", Model: "gemini-1.5-flash", Effective: date("2024-10-01"), InputPer1K: 0.000075, OutputPer1K: 0.0003},
		{Vendor: "google", Model: "gemini-2.0-flash", Effective: date("2025-02-05"), InputPer1K: 0.0001, OutputPer1K: 0.0004},
	})
	if err != nil {
		panic(err)
	}
	return t
}
