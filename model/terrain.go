package model

import (
	"fmt"
	"math"
	"strings"
)

// TerrainID identifies the terrain class of a single grid cell.
type TerrainID uint8

const (
	Normal TerrainID = iota
	Road
	Water
	Hilly
	Steep
	Building
	// Unknown marks a cell the fleet has not observed yet. It is the only
	// value a KnowledgeMap ever replaces.
	Unknown
)

var terrainNames = map[TerrainID]string{
	Normal:   "normal",
	Road:     "road",
	Water:    "water",
	Hilly:    "hilly",
	Steep:    "steep",
	Building: "building",
	Unknown:  "unknown",
}

func (t TerrainID) String() string {
	if name, ok := terrainNames[t]; ok {
		return name
	}
	return fmt.Sprintf("terrain(%d)", uint8(t))
}

// Glyph returns the ASCII map character for the terrain; '?' for Unknown.
func (t TerrainID) Glyph() byte {
	switch t {
	case Normal:
		return glyphNormal
	case Road:
		return glyphRoad
	case Water:
		return glyphWater
	case Hilly:
		return glyphHilly
	case Steep:
		return glyphSteep
	case Building:
		return glyphBuilding
	default:
		return '?'
	}
}

// ParseTerrain maps a terrain name (case-insensitive) to its TerrainID.
func ParseTerrain(name string) (TerrainID, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for id, n := range terrainNames {
		if n == name {
			return id, nil
		}
	}
	return Unknown, fmt.Errorf("unknown terrain name %q", name)
}

// ClimbPenalty is the height an agent has to climb to enter a cell of the
// given terrain. Profiles whose ClimbableHeight is below it cannot enter.
func ClimbPenalty(t TerrainID) float64 {
	switch t {
	case Hilly:
		return 2
	case Steep:
		return 5
	default:
		return 0
	}
}

// Cell is an integer grid coordinate.
type Cell struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Distance returns the Euclidean distance between two cells.
func (c Cell) Distance(o Cell) float64 {
	return math.Hypot(float64(c.X-o.X), float64(c.Y-o.Y))
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Point is a continuous position on the grid, used for agents that sit
// between cell centres while moving.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PointOf returns the centre of a cell.
func PointOf(c Cell) Point {
	return Point{X: float64(c.X), Y: float64(c.Y)}
}

// Cell rounds the point to the nearest grid cell.
func (p Point) Cell() Cell {
	return Cell{X: int(math.Round(p.X)), Y: int(math.Round(p.Y))}
}

// Distance returns the Euclidean distance between two points.
func (p Point) Distance(o Point) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}
