package domain

// fnv1a32 — FNV-1a 32-bit по байтам строки.
func fnv1a32(s string) uint32 {
	h := uint32(0x811c9dc5)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// DeterministicInt возвращает детерминированное целое в [min, max],
// выведенное из ключа. Один и тот же ключ всегда даёт один результат,
// что делает броски воспроизводимыми и пригодными для аудита.
func DeterministicInt(min, max int64, key string) int64 {
	lo, hi := min, max
	if hi < lo {
		lo, hi = hi, lo
	}
	span := hi - lo + 1
	if span <= 1 {
		return lo
	}
	return lo + int64(fnv1a32(key))%span
}
