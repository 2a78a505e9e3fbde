package dispatcher

import "testing"

func TestClassForPicksSmallestFit(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 4: 4, 5: 8, 8: 8, 9: 16, 16: 16}
	for n, want := range cases {
		got, err := classFor(n)
		if err != nil {
			t.Fatalf("classFor(%d): %v", n, err)
		}
		if got != want {
			t.Errorf("classFor(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestClassForRejectsOverCapacity(t *testing.T) {
	if _, err := classFor(17); err == nil {
		t.Fatal("expected error inserting past max capacity class")
	}
}

func TestCrossedClassBoundaryDetectsShrink(t *testing.T) {
	newClass, crossed, err := crossedClassBoundary(4, 1)
	if err != nil {
		t.Fatalf("crossedClassBoundary: %v", err)
	}
	if !crossed || newClass != 1 {
		t.Fatalf("crossedClassBoundary(4, newLen=1) = (%d, %v), want (1, true)", newClass, crossed)
	}
}

func TestCrossedClassBoundaryFalseWithinSameClass(t *testing.T) {
	newClass, crossed, err := crossedClassBoundary(4, 3)
	if err != nil {
		t.Fatalf("crossedClassBoundary: %v", err)
	}
	if crossed || newClass != 4 {
		t.Fatalf("crossedClassBoundary(4, newLen=3) = (%d, %v), want (4, false)", newClass, crossed)
	}
}
