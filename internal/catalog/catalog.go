package catalog

import (
	"errors"
	"fmt"
	"maps"
)

var ErrCountryNotFound = errors.New("country not found")

const DefaultSlug = "philippines_51"

// Country is a purchasable offering. Price is in wallet units.
type Country struct {
	Code    int    `json:"code,string"`
	Name    string `json:"name"`
	Country string `json:"country"`
	Price   uint   `json:"price"`
	Flag    string `json:"flag"`
}

var offerings = map[string]Country{
	"india_66":         {Code: 66, Name: "WhatsApp Indian", Country: "India", Price: 140, Flag: "🇮🇳"},
	"india_115":        {Code: 115, Name: "WhatsApp Indian", Country: "India", Price: 103, Flag: "🇮🇳"},
	"vietnam_118":      {Code: 118, Name: "WhatsApp Vietnam", Country: "Vietnam", Price: 61, Flag: "🇻🇳"},
	"southafrica_52":   {Code: 52, Name: "WhatsApp South Africa", Country: "South Africa", Price: 45, Flag: "🇿🇦"},
	"colombia_53":      {Code: 53, Name: "WhatsApp Colombia", Country: "Colombia", Price: 71, Flag: "🇨🇴"},
	"philippines_51":   {Code: 51, Name: "WhatsApp Philippines", Country: "Philippines", Price: 52, Flag: "🇵🇭"},
	"philippines2_117": {Code: 117, Name: "WhatsApp Philippines 2", Country: "Philippines", Price: 64, Flag: "🇵🇭"},
}

// Catalog is read-only after construction and safe for concurrent use.
type Catalog struct {
	entries  map[string]Country
	fallback string
}

// New returns the built-in catalog. An empty or unknown fallback slug
// falls back to DefaultSlug.
func New(fallback string) *Catalog {
	if _, ok := offerings[fallback]; !ok {
		fallback = DefaultSlug
	}
	return &Catalog{entries: offerings, fallback: fallback}
}

// NewWith builds a catalog over a custom table.
func NewWith(entries map[string]Country, fallback string) (*Catalog, error) {
	if _, ok := entries[fallback]; !ok {
		return nil, fmt.Errorf("fallback %q: %w", fallback, ErrCountryNotFound)
	}
	return &Catalog{entries: maps.Clone(entries), fallback: fallback}, nil
}

// List returns a copy of the whole table keyed by slug.
func (c *Catalog) List() map[string]Country {
	return maps.Clone(c.entries)
}

func (c *Catalog) Get(slug string) (Country, error) {
	country, ok := c.entries[slug]
	if !ok {
		return Country{}, fmt.Errorf("%q: %w", slug, ErrCountryNotFound)
	}
	return country, nil
}

// Resolve is Get with the fallback slug applied to an empty input. It
// returns the slug actually used.
func (c *Catalog) Resolve(slug string) (string, Country, error) {
	if slug == "" {
		slug = c.fallback
	}
	country, err := c.Get(slug)
	return slug, country, err
}
