package domain

import "testing"

func TestDeterministicIntStable(t *testing.T) {
	a := DeterministicInt(15, 25, "msg-1234567890")
	for i := 0; i < 100; i++ {
		if b := DeterministicInt(15, 25, "msg-1234567890"); b != a {
			t.Fatalf("один ключ дал разные значения: %d и %d", a, b)
		}
	}
}

func TestDeterministicIntInRange(t *testing.T) {
	keys := []string{"a", "b", "c", "1111111111111111111", "", "msg"}
	for _, k := range keys {
		v := DeterministicInt(10, 20, k)
		if v < 10 || v > 20 {
			t.Fatalf("значение %d вне диапазона [10,20] для ключа %q", v, k)
		}
	}
}

func TestDeterministicIntDegenerateSpan(t *testing.T) {
	if v := DeterministicInt(5, 5, "key"); v != 5 {
		t.Fatalf("ожидали 5, получили %d", v)
	}
	// перепутанные границы нормализуются
	if v := DeterministicInt(20, 10, "key"); v < 10 || v > 20 {
		t.Fatalf("значение %d вне диапазона", v)
	}
}
