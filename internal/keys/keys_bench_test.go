package keys

import "testing"

func BenchmarkJob(b *testing.B) {
	b.ReportAllocs()
	var s string
	for i := 0; i < b.N; i++ {
		s = Job("video-jobs", "0b9e0c44-5d0e-4b7a-9d55-0c1f0b5d3f01")
	}
	_ = s
}
