package domain

import "math"

// MaxLevel — потолок прогрессии. XP продолжает копиться и дальше, но
// в уровни уже не конвертируется.
const MaxLevel = 15

// CurveInfinity возвращается из XPToNext на потолке: дальнейший
// переход невозможен.
const CurveInfinity = math.MaxInt64

// Curve — кривая уровней: чистое отображение суммарного XP в уровень.
type Curve struct {
	// Scale — глобальный множитель стоимости уровней
	// (1.25 → на 25% дороже по всей кривой).
	Scale float64
	// Overrides — точечная стоимость перехода L→L+1 для отдельных
	// уровней; остальные считаются по базовой формуле.
	Overrides map[int]int64
}

// DefaultCurve — кривая без масштабирования и переопределений.
var DefaultCurve = Curve{Scale: 1}

// XPToNext возвращает XP, необходимый для перехода level → level+1.
// Растёт сверхлинейно: базовая формула 128·(3L²+3L+1).
func (c Curve) XPToNext(level int) int64 {
	if level >= MaxLevel {
		return CurveInfinity
	}
	l := int64(level)
	base := 128 * (3*l*l + 3*l + 1)
	if v, ok := c.Overrides[level]; ok {
		base = v
	}
	if base < 1 {
		base = 1
	}
	scale := c.Scale
	if scale <= 0 {
		scale = 1
	}
	scaled := int64(math.Ceil(float64(base) * scale))
	if scaled < 1 {
		return 1
	}
	return scaled
}

// LevelFromXP возвращает наивысший уровень, порог которого не
// превышает total. Монотонна по total и ограничена MaxLevel.
func (c Curve) LevelFromXP(total int64) int {
	lvl := 0
	rem := total
	for lvl < MaxLevel {
		need := c.XPToNext(lvl)
		if rem < need {
			break
		}
		rem -= need
		lvl++
	}
	return lvl
}

// CumulativeXP возвращает суммарный XP, с которого начинается level.
func (c Curve) CumulativeXP(level int) int64 {
	if level > MaxLevel {
		level = MaxLevel
	}
	var total int64
	for l := 0; l < level; l++ {
		total += c.XPToNext(l)
	}
	return total
}
