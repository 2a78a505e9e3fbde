package dispatcher

import "github.com/bpfman/bpfmand/internal/bpmerrors"

// capacityClasses is the discrete set of dispatcher sizes the engine picks
// from. The engine always selects the smallest class >= the current list
// length.
var capacityClasses = []int{1, 2, 4, 8, 16}

// maxCapacity is the ceiling the engine can dispatch to; inserting past it
// fails with KindDispatcher.
var maxCapacity = capacityClasses[len(capacityClasses)-1]

// classFor returns the smallest capacity class that fits n programs.
func classFor(n int) (int, error) {
	for _, c := range capacityClasses {
		if n <= c {
			return c, nil
		}
	}
	return 0, bpmerrors.Newf(bpmerrors.KindDispatcher, "no capacity class fits %d programs (max %d)", n, maxCapacity)
}

// classIndex returns the index of class within capacityClasses, or -1.
func classIndex(class int) int {
	for i, c := range capacityClasses {
		if c == class {
			return i
		}
	}
	return -1
}

// crossedClassBoundary reports whether shrinking from oldClass to the class
// that newLen now requires would cross at least one capacity-class
// boundary downward (e.g. class 4 -> class 2), per Remove step 3.
func crossedClassBoundary(oldClass, newLen int) (newClass int, crossed bool, err error) {
	newClass, err = classFor(newLen)
	if err != nil {
		return 0, false, err
	}
	return newClass, classIndex(newClass) < classIndex(oldClass), nil
}
