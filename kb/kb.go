package kb

import (
	"github.com/signalsfoundry/fleet-simulator/model"
)

// Fragment is a partial terrain observation keyed by cell.
type Fragment map[model.Cell]model.TerrainID

// KnowledgeMap is the fleet's shared, incrementally discovered view of the
// terrain. Cells start Unknown and are filled by Merge; a known cell is
// never overwritten.
//
// KnowledgeMap owns no lock. The coordination engine is its only mutator and
// serialises merges with planner reads.
type KnowledgeMap struct {
	width  int
	height int
	cells  []model.TerrainID
	known  int
}

// NewKnowledgeMap constructs a fully unknown map.
func NewKnowledgeMap(width, height int) *KnowledgeMap {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	cells := make([]model.TerrainID, width*height)
	for i := range cells {
		cells[i] = model.Unknown
	}
	return &KnowledgeMap{width: width, height: height, cells: cells}
}

func (m *KnowledgeMap) Width() int  { return m.width }
func (m *KnowledgeMap) Height() int { return m.height }

// InBounds reports whether (x, y) lies inside the map.
func (m *KnowledgeMap) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.width && y < m.height
}

// TerrainAt returns the known terrain of a cell. Out-of-range cells are
// Unknown.
func (m *KnowledgeMap) TerrainAt(x, y int) model.TerrainID {
	if !m.InBounds(x, y) {
		return model.Unknown
	}
	return m.cells[y*m.width+x]
}

// IsRoad reports whether the cell is known to be a road.
func (m *KnowledgeMap) IsRoad(x, y int) bool {
	return m.TerrainAt(x, y) == model.Road
}

// Merge fills every Unknown cell covered by the fragment and returns how
// many cells became known. Cells already known are left untouched, as are
// fragment entries that are out of range or themselves Unknown.
func (m *KnowledgeMap) Merge(fragment Fragment) int {
	added := 0
	for c, t := range fragment {
		if t == model.Unknown || !m.InBounds(c.X, c.Y) {
			continue
		}
		idx := c.Y*m.width + c.X
		if m.cells[idx] != model.Unknown {
			continue
		}
		m.cells[idx] = t
		added++
	}
	m.known += added
	return added
}

// KnownCells returns the number of cells that are no longer Unknown.
func (m *KnowledgeMap) KnownCells() int { return m.known }

// KnownRatio returns the explored fraction of the map in [0,1].
func (m *KnowledgeMap) KnownRatio() float64 {
	if len(m.cells) == 0 {
		return 0
	}
	return float64(m.known) / float64(len(m.cells))
}

// Snapshot returns a deep copy of the grid indexed as [y][x].
func (m *KnowledgeMap) Snapshot() [][]model.TerrainID {
	out := make([][]model.TerrainID, m.height)
	for y := 0; y < m.height; y++ {
		row := make([]model.TerrainID, m.width)
		copy(row, m.cells[y*m.width:(y+1)*m.width])
		out[y] = row
	}
	return out
}

// Render turns a Snapshot into one string per row using the map glyphs.
func Render(snapshot [][]model.TerrainID) []string {
	rows := make([]string, len(snapshot))
	for y, row := range snapshot {
		b := make([]byte, len(row))
		for x, t := range row {
			b[x] = t.Glyph()
		}
		rows[y] = string(b)
	}
	return rows
}

// DiscFragment samples the true terrain of every in-bounds cell within
// radius of center.
func DiscFragment(world model.World, center model.Cell, radius int) Fragment {
	frag := make(Fragment)
	r2 := radius * radius
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > r2 {
				continue
			}
			x, y := center.X+dx, center.Y+dy
			if x < 0 || y < 0 || x >= world.Width() || y >= world.Height() {
				continue
			}
			frag[model.Cell{X: x, Y: y}] = world.TerrainAt(x, y)
		}
	}
	return frag
}

// RoadFragment returns every true road cell of the world.
func RoadFragment(world model.World) Fragment {
	frag := make(Fragment)
	for y := 0; y < world.Height(); y++ {
		for x := 0; x < world.Width(); x++ {
			if world.IsRoad(x, y) {
				frag[model.Cell{X: x, Y: y}] = model.Road
			}
		}
	}
	return frag
}
