// Package dict maps S-57 object class acronyms to the compact integer codes
// used inside vector tiles, and builds the dictionary document served to
// clients so they can decode tiles and light character labels.
package dict

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"

	"github.com/samber/lo"
)

// class couples an acronym with its S-57 object code and the attributes a
// label plane may surface for it. CM93 private classes use codes above 300.
type class struct {
	Code  int
	OBJL  string
	Label []string
}

var classes = []class{
	{5, "BCNCAR", []string{"OBJNAM"}},
	{6, "BCNISD", []string{"OBJNAM"}},
	{7, "BCNLAT", []string{"OBJNAM"}},
	{8, "BCNSAW", []string{"OBJNAM"}},
	{9, "BCNSPP", []string{"OBJNAM"}},
	{14, "BOYCAR", []string{"OBJNAM"}},
	{16, "BOYISD", []string{"OBJNAM"}},
	{17, "BOYLAT", []string{"OBJNAM"}},
	{18, "BOYSAW", []string{"OBJNAM"}},
	{19, "BOYSPP", []string{"OBJNAM"}},
	{20, "CBLARE", nil},
	{30, "COALNE", nil},
	{42, "DEPARE", nil},
	{43, "DEPCNT", []string{"VALDCO"}},
	{65, "FAIRWY", nil},
	{71, "LNDARE", []string{"OBJNAM"}},
	{72, "LNDRGN", []string{"OBJNAM"}},
	{75, "LIGHTS", []string{"litchr"}},
	{84, "MORFAC", nil},
	{86, "OBSTRN", []string{"VALSOU"}},
	{90, "PILPNT", nil},
	{92, "PIPARE", nil},
	{95, "PONTON", nil},
	{114, "RIVERS", nil},
	{119, "SEAARE", []string{"OBJNAM"}},
	{121, "SLCONS", nil},
	{129, "SOUNDG", []string{"VALSOU"}},
	{153, "UWTROC", []string{"VALSOU"}},
	{159, "WRECKS", []string{"VALSOU"}},
	{69, "LAKARE", nil},
	{22, "CBLSUB", nil},
	{301, "ROCKS", []string{"VALSOU"}},
}

var (
	byOBJL = lo.SliceToMap(classes, func(c class) (string, int) { return c.OBJL, c.Code })
	byCode = lo.SliceToMap(classes, func(c class) (int, string) { return c.Code, c.OBJL })
)

// Code returns the compact integer code for an acronym.
func Code(objl string) (int, bool) {
	c, ok := byOBJL[objl]
	return c, ok
}

// Name returns the acronym for a compact code.
func Name(code int) (string, bool) {
	n, ok := byCode[code]
	return n, ok
}

// Dict is the servable dictionary: object classes plus light character
// descriptions keyed by their CRC32 codes.
type Dict struct {
	mu     sync.RWMutex
	lights map[string]string
}

// New builds an empty dictionary.
func New() *Dict {
	return &Dict{lights: make(map[string]string)}
}

// AddLight records a decoded light character text for a CRC code.
func (d *Dict) AddLight(code string, text string) {
	d.mu.Lock()
	d.lights[code] = text
	d.mu.Unlock()
}

type objectEntry struct {
	Name  string   `json:"name"`
	Label []string `json:"label,omitempty"`
}

type document struct {
	Objects map[string]objectEntry `json:"objects"`
	Lights  map[string]string      `json:"lights"`
}

// JSON renders the dictionary document. Output is deterministic.
func (d *Dict) JSON() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	doc := document{
		Objects: make(map[string]objectEntry, len(classes)),
		Lights:  make(map[string]string, len(d.lights)),
	}
	sorted := make([]class, len(classes))
	copy(sorted, classes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })
	for _, c := range sorted {
		doc.Objects[strconv.Itoa(c.Code)] = objectEntry{Name: c.OBJL, Label: c.Label}
	}
	for k, v := range d.lights {
		doc.Lights[k] = v
	}
	return json.Marshal(doc)
}
