package assert

func NotNil(value any) {
	if value == nil {
		panic("expected value to be not nil")
	}
}

func Positive[T ~int | ~int64 | ~float64](value T, name string) {
	if value <= 0 {
		panic("expected " + name + " to be positive")
	}
}
