package model

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// World is the read-only ground truth the fleet operates on. It is produced
// once by a world generator and never mutated by the simulator.
type World interface {
	TerrainAt(x, y int) TerrainID
	IsRoad(x, y int) bool
	Width() int
	Height() int
	// Depot is where direct deliveries originate and agents return by default.
	Depot() Cell
	// RelayStation is the intermediate hand-off point for relayed deliveries.
	RelayStation() Cell
}

// ErrInvalidGrid is returned when a grid description cannot be used as a World.
var ErrInvalidGrid = errors.New("invalid grid")

// Grid is an in-memory World backed by a dense terrain slice.
type Grid struct {
	width  int
	height int
	cells  []TerrainID

	depot Cell
	relay Cell
}

// NewGrid constructs a width x height grid filled with the given terrain.
func NewGrid(width, height int, fill TerrainID) *Grid {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	cells := make([]TerrainID, width*height)
	for i := range cells {
		cells[i] = fill
	}
	return &Grid{width: width, height: height, cells: cells}
}

func (g *Grid) Width() int  { return g.width }
func (g *Grid) Height() int { return g.height }

// InBounds reports whether (x, y) lies inside the grid.
func (g *Grid) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < g.width && y < g.height
}

// TerrainAt returns the terrain of a cell, or Unknown when out of range.
func (g *Grid) TerrainAt(x, y int) TerrainID {
	if !g.InBounds(x, y) {
		return Unknown
	}
	return g.cells[y*g.width+x]
}

func (g *Grid) IsRoad(x, y int) bool {
	return g.TerrainAt(x, y) == Road
}

// Set overwrites a single cell. Out-of-range writes are ignored.
func (g *Grid) Set(x, y int, t TerrainID) {
	if !g.InBounds(x, y) {
		return
	}
	g.cells[y*g.width+x] = t
}

// SetFacilities places the depot and relay station.
func (g *Grid) SetFacilities(depot, relay Cell) error {
	if !g.InBounds(depot.X, depot.Y) {
		return fmt.Errorf("%w: depot %s out of bounds", ErrInvalidGrid, depot)
	}
	if !g.InBounds(relay.X, relay.Y) {
		return fmt.Errorf("%w: relay station %s out of bounds", ErrInvalidGrid, relay)
	}
	g.depot = depot
	g.relay = relay
	return nil
}

func (g *Grid) Depot() Cell        { return g.depot }
func (g *Grid) RelayStation() Cell { return g.relay }

// Grid legend used by ParseGrid.
const (
	glyphNormal   = '.'
	glyphRoad     = '='
	glyphWater    = '~'
	glyphHilly    = 'h'
	glyphSteep    = '^'
	glyphBuilding = '#'
	glyphDepot    = 'D'
	glyphRelay    = 'R'
)

// ParseGrid reads an ASCII terrain map, one row per line, top row is y=0.
// Blank lines and lines starting with ';' are ignored. Exactly one depot (D)
// and one relay station (R) must be present; both sit on normal terrain.
func ParseGrid(r io.Reader) (*Grid, error) {
	var rows []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		rows = append(rows, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read grid: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty grid", ErrInvalidGrid)
	}

	width := len(rows[0])
	g := NewGrid(width, len(rows), Normal)
	var depot, relay *Cell
	for y, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has width %d, want %d", ErrInvalidGrid, y, len(row), width)
		}
		for x, ch := range []byte(row) {
			switch ch {
			case glyphNormal:
				g.Set(x, y, Normal)
			case glyphRoad:
				g.Set(x, y, Road)
			case glyphWater:
				g.Set(x, y, Water)
			case glyphHilly:
				g.Set(x, y, Hilly)
			case glyphSteep:
				g.Set(x, y, Steep)
			case glyphBuilding:
				g.Set(x, y, Building)
			case glyphDepot:
				if depot != nil {
					return nil, fmt.Errorf("%w: more than one depot", ErrInvalidGrid)
				}
				depot = &Cell{X: x, Y: y}
			case glyphRelay:
				if relay != nil {
					return nil, fmt.Errorf("%w: more than one relay station", ErrInvalidGrid)
				}
				relay = &Cell{X: x, Y: y}
			default:
				return nil, fmt.Errorf("%w: unexpected glyph %q at (%d,%d)", ErrInvalidGrid, ch, x, y)
			}
		}
	}
	if depot == nil || relay == nil {
		return nil, fmt.Errorf("%w: grid must contain one depot (D) and one relay station (R)", ErrInvalidGrid)
	}
	if err := g.SetFacilities(*depot, *relay); err != nil {
		return nil, err
	}
	return g, nil
}
