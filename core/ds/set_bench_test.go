package ds

import (
	"fmt"
	"testing"
)

func BenchmarkSet_Add(b *testing.B) {
	for _, size := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				s := NewSet[int]()
				for j := 0; j < size; j++ {
					s.Add(j)
				}
			}
		})
	}
}

func BenchmarkSet_Contains(b *testing.B) {
	for _, size := range []int{10, 100, 1000} {
		s := NewSet[int]()
		for j := 0; j < size; j++ {
			s.Add(j)
		}
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = s.Contains(size / 2) // hit
				_ = s.Contains(size + 1) // miss
			}
		})
	}
}

func BenchmarkSet_Remove(b *testing.B) {
	for _, size := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			b.StopTimer()
			for i := 0; i < b.N; i++ {
				s := NewSet[int]()
				for j := 0; j < size; j++ {
					s.Add(j)
				}
				b.StartTimer()
				s.Remove(size / 2)
				b.StopTimer()
			}
		})
	}
}
