// Package s52 implements the supported subset of the IHO S-52 conditional
// symbology rules: depth-area and contour classification against the mariner
// contour settings, hazard and navaid symbolisation hints, and light sector
// portrayal for CM93 charts.
package s52

// Palette maps S-52 colour tokens to CSS hex colours.
type Palette map[string]string

// The three standard S-52 display palettes. Tokens follow the presentation
// library naming: DEPVS very shallow, DEPIT1 intertidal, DEPMS medium,
// DEPDW deep water, DEPSC safety contour, DEPCN other contours.
var (
	Day = Palette{
		"DEPVS":  "#78a8c8",
		"DEPIT1": "#aadca8",
		"DEPMS":  "#b8d9ea",
		"DEPDW":  "#ffffff",
		"DEPSC":  "#5a6a78",
		"DEPCN":  "#8ca8b4",
		"CHBLK":  "#000000",
		"CHGRD":  "#6b6b6b",
		"LANDA":  "#e7d09b",
		"CSTLN":  "#5c5448",
		"LITYW":  "#ffd400",
		"DNGHL":  "#c80000",
	}
	Dusk = Palette{
		"DEPVS":  "#30505f",
		"DEPIT1": "#41573f",
		"DEPMS":  "#27404f",
		"DEPDW":  "#232c33",
		"DEPSC":  "#9aa4ac",
		"DEPCN":  "#5c6e78",
		"CHBLK":  "#d8d8d8",
		"CHGRD":  "#8e8e8e",
		"LANDA":  "#4d4537",
		"CSTLN":  "#a99e8c",
		"LITYW":  "#b89a00",
		"DNGHL":  "#a01616",
	}
	Night = Palette{
		"DEPVS":  "#152830",
		"DEPIT1": "#1d2a1d",
		"DEPMS":  "#101d26",
		"DEPDW":  "#0a0f14",
		"DEPSC":  "#6b7a85",
		"DEPCN":  "#31444f",
		"CHBLK":  "#9c9c9c",
		"CHGRD":  "#5a5a5a",
		"LANDA":  "#262115",
		"CSTLN":  "#6f6858",
		"LITYW":  "#7a6600",
		"DNGHL":  "#701010",
	}
)

// PaletteByName resolves a palette name; unknown names fall back to Day.
func PaletteByName(name string) Palette {
	switch name {
	case "dusk":
		return Dusk
	case "night":
		return Night
	default:
		return Day
	}
}
