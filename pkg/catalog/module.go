package catalog

import (
	"sort"

	"modsync/pkg/transport"
)

// Flag is a bit set of local module metadata flags.
type Flag uint32

const (
	// FlagMetadataInvalid marks a module whose cached metadata could not be loaded.
	FlagMetadataInvalid Flag = 1 << iota
)

// Module is one catalog entry. Empty optional strings mean absent.
type Module struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	VersionCode int64  `json:"versionCode"`
	Author      string `json:"author"`
	Description string `json:"description"`
	MinAPI      int    `json:"minApi"`
	MaxAPI      int    `json:"maxApi"`
	MinMagisk   int    `json:"minMagisk"`
	NeedRamdisk bool   `json:"needRamdisk"`
	ChangeBoot  bool   `json:"changeBoot"`
	MMTReborn   bool   `json:"mmtReborn"`
	Support     string `json:"support,omitempty"`
	Donate      string `json:"donate,omitempty"`
	Config      string `json:"config,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
	Downloads   int64  `json:"downloads"`
	ZipURL      string `json:"zipUrl"`
	NotesURL    string `json:"notesUrl"`
	LastUpdated int64  `json:"lastUpdated"`
	RepoName    string `json:"repoName"`
	Flags       Flag   `json:"flags,omitempty"`
}

// Redacted returns a copy of m whose download links have their token
// values masked. Use it for anything leaving the process.
func (m Module) Redacted() Module {
	m.ZipURL = transport.RedactURL(m.ZipURL)
	m.NotesURL = transport.RedactURL(m.NotesURL)
	return m
}

// HasFlag reports whether f is set.
func (m *Module) HasFlag(f Flag) bool {
	return m.Flags&f != 0
}

// Catalog is the local collection of modules for one repository.
type Catalog struct {
	Name         string             `json:"name"`
	Website      string             `json:"website,omitempty"`
	Support      string             `json:"support,omitempty"`
	Donate       string             `json:"donate,omitempty"`
	SubmitModule string             `json:"submitModule,omitempty"`
	LastUpdate   int64              `json:"lastUpdate"`
	Modules      map[string]*Module `json:"modules"`
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{Modules: make(map[string]*Module)}
}

// Get returns the module with the given id, or nil.
func (c *Catalog) Get(id string) *Module {
	if c == nil {
		return nil
	}
	return c.Modules[id]
}

// Len returns the number of modules.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Modules)
}

// Sorted returns the modules ordered by id.
func (c *Catalog) Sorted() []*Module {
	if c == nil {
		return nil
	}
	out := make([]*Module, 0, len(c.Modules))
	for _, m := range c.Modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delta is the outcome of one reconciliation pass. Changed holds added and
// strictly newer modules in snapshot order; Removed holds pruned modules.
type Delta struct {
	Changed []*Module
	Removed []*Module
}

// Empty reports whether the pass changed nothing.
func (d Delta) Empty() bool {
	return len(d.Changed) == 0 && len(d.Removed) == 0
}
