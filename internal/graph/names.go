package graph

import "strconv"

// palette is the fixed set of node colors offered by the editing surface.
var palette = []string{
	"#2e7d32",
	"#1565c0",
	"#c62828",
	"#6a1b9a",
	"#ef6c00",
	"#00838f",
	"#4e342e",
	"#37474f",
}

// UniqueName probes prefix, prefix0, prefix1, ... until it finds a name not
// already used by any node.
func (g *Graph) UniqueName(prefix string) string {
	used := make(map[string]bool, len(g.nodes))
	for _, n := range g.nodes {
		used[n.Config.Name] = true
	}
	if !used[prefix] {
		return prefix
	}
	for i := 0; ; i++ {
		name := prefix + strconv.Itoa(i)
		if !used[name] {
			return name
		}
	}
}

// LeastUsedColor picks the palette entry with the fewest occurrences among
// existing nodes, ties broken by palette order. Purely presentational.
func (g *Graph) LeastUsedColor() string {
	counts := make(map[string]int, len(palette))
	for _, n := range g.nodes {
		counts[n.Meta.Color]++
	}
	best := palette[0]
	for _, c := range palette[1:] {
		if counts[c] < counts[best] {
			best = c
		}
	}
	return best
}
