package realtime

import "math"

// Weapon describes server-side hit resolution parameters. Client-supplied
// damage values are never consulted.
type Weapon struct {
	Name         string  `json:"name"`
	BaseDamage   float64 `json:"baseDamage"`
	MaxRange     float64 `json:"maxRange"`
	FalloffStart float64 `json:"falloffStart"`
}

// DefaultWeapons is the built-in arena weapon table.
var DefaultWeapons = map[string]Weapon{
	"blaster":    {Name: "blaster", BaseDamage: 18, MaxRange: 400, FalloffStart: 150},
	"scattergun": {Name: "scattergun", BaseDamage: 60, MaxRange: 120, FalloffStart: 40},
	"railgun":    {Name: "railgun", BaseDamage: 90, MaxRange: 900, FalloffStart: 700},
}

// DamageAt returns the damage dealt at the given distance. Past
// FalloffStart damage drops linearly, reaching zero at MaxRange. Beyond
// MaxRange the hit does not connect at all.
func (w Weapon) DamageAt(distance float64) (float64, bool) {
	if distance > w.MaxRange {
		return 0, false
	}
	if distance <= w.FalloffStart {
		return w.BaseDamage, true
	}
	scale := (w.MaxRange - distance) / (w.MaxRange - w.FalloffStart)
	return w.BaseDamage * scale, true
}

// Bounds is the playable map rectangle.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

func (b Bounds) Clamp(x, y float64) (float64, float64) {
	return math.Min(math.Max(x, b.MinX), b.MaxX), math.Min(math.Max(y, b.MinY), b.MaxY)
}

func distance(x1, y1, x2, y2 float64) float64 {
	return math.Hypot(x2-x1, y2-y1)
}

// speedExceeded reports whether a move implies a speed above max units
// per second. A non-positive dt (clock skew, same-instant updates) skips
// the check rather than dividing by it.
func speedExceeded(oldX, oldY, newX, newY, dtSeconds, max float64) bool {
	if dtSeconds <= 0 {
		return false
	}
	return distance(oldX, oldY, newX, newY)/dtSeconds > max
}
