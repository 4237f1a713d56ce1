package jpeg2k

// DWT implements the 5/3 reversible and 9/7 irreversible wavelet transforms
// of ITU-T T.800 Annex F with lifting, symmetric extension and in-place
// deinterleaving (low-pass half first) at every level.

// 9/7 lifting coefficients and normalization (Table F.4)
const (
	liftAlpha = 1.586134342059924
	liftBeta  = 0.052980118572961
	liftGamma = 0.882911075530934
	liftDelta = 0.443506852043971
	liftK     = 1.230174104914001
	liftX     = 1.625786132162794 // 2/K
)

// Line buffer padding in front of the first sample. Even so the buffer index
// keeps the parity of the global coordinate.
const (
	pad53 = 2
	pad97 = 4
)

type sample interface {
	~int32 | ~float32
}

// DWT holds the per-level geometry of one component region
type DWT struct {
	levels    int
	transform TransformType
	stride    int
	lineLen   [][2]int // per level, finest first
	mod       [][2]int // parity of the level origin
	iline     []int32
	fline     []float32
}

// NewDWT prepares a transform over [x0,x1)x[y0,y1) stored row-major with
// the given stride.
func NewDWT(x0, y0, x1, y1, stride, levels int, transform TransformType) *DWT {
	d := &DWT{
		levels:    levels,
		transform: transform,
		stride:    stride,
		lineLen:   make([][2]int, levels),
		mod:       make([][2]int, levels),
	}
	maxLen := max(x1-x0, y1-y0, 1)
	b := [2][2]int{{x0, x1}, {y0, y1}}
	for l := 0; l < levels; l++ {
		for i := 0; i < 2; i++ {
			d.lineLen[l][i] = b[i][1] - b[i][0]
			d.mod[l][i] = b[i][0] & 1
			b[i][0] = (b[i][0] + 1) >> 1
			b[i][1] = (b[i][1] + 1) >> 1
		}
	}
	if transform == TransformReversible53 {
		d.iline = make([]int32, maxLen+6)
	} else {
		d.fline = make([]float32, maxLen+12)
	}
	return d
}

// Levels returns the number of decomposition levels
func (d *DWT) Levels() int {
	return d.levels
}

// Forward53 applies the forward reversible transform in place
func (d *DWT) Forward53(data []int32) {
	for l := 0; l < d.levels; l++ {
		w, h := d.lineLen[l][0], d.lineLen[l][1]
		if w == 0 || h == 0 {
			continue
		}
		forwardPass(data, d.iline, d.stride, 1, w, h, d.mod[l][1], pad53, sd53)
		forwardPass(data, d.iline, 1, d.stride, h, w, d.mod[l][0], pad53, sd53)
	}
}

// Inverse53 applies the inverse reversible transform in place
func (d *DWT) Inverse53(data []int32) {
	for l := d.levels - 1; l >= 0; l-- {
		w, h := d.lineLen[l][0], d.lineLen[l][1]
		if w == 0 || h == 0 {
			continue
		}
		inversePass(data, d.iline, 1, d.stride, h, w, d.mod[l][0], pad53, sr53)
		inversePass(data, d.iline, d.stride, 1, w, h, d.mod[l][1], pad53, sr53)
	}
}

// Forward97 applies the forward irreversible transform in place
func (d *DWT) Forward97(data []float32) {
	for l := 0; l < d.levels; l++ {
		w, h := d.lineLen[l][0], d.lineLen[l][1]
		if w == 0 || h == 0 {
			continue
		}
		forwardPass(data, d.fline, d.stride, 1, w, h, d.mod[l][1], pad97, sd97)
		forwardPass(data, d.fline, 1, d.stride, h, w, d.mod[l][0], pad97, sd97)
	}
}

// Inverse97 applies the inverse irreversible transform in place
func (d *DWT) Inverse97(data []float32) {
	for l := d.levels - 1; l >= 0; l-- {
		w, h := d.lineLen[l][0], d.lineLen[l][1]
		if w == 0 || h == 0 {
			continue
		}
		inversePass(data, d.fline, 1, d.stride, h, w, d.mod[l][0], pad97, sr97)
		inversePass(data, d.fline, d.stride, 1, w, h, d.mod[l][1], pad97, sr97)
	}
}

// forwardPass lifts count lines of length n. Samples of one line are step
// apart; consecutive lines start next apart.
func forwardPass[T sample](data, line []T, step, next, count, n, mod, pad int, lift func([]T, int, int)) {
	a := pad + mod
	nlow := (n + 1 - mod) >> 1
	for i := 0; i < count; i++ {
		base := i * next
		for k := 0; k < n; k++ {
			line[a+k] = data[base+k*step]
		}
		lift(line, a, a+n)
		lo, hi := 0, nlow
		for k := 0; k < n; k++ {
			if (mod+k)&1 == 0 {
				data[base+lo*step] = line[a+k]
				lo++
			} else {
				data[base+hi*step] = line[a+k]
				hi++
			}
		}
	}
}

func inversePass[T sample](data, line []T, step, next, count, n, mod, pad int, lift func([]T, int, int)) {
	a := pad + mod
	nlow := (n + 1 - mod) >> 1
	for i := 0; i < count; i++ {
		base := i * next
		lo, hi := 0, nlow
		for k := 0; k < n; k++ {
			if (mod+k)&1 == 0 {
				line[a+k] = data[base+lo*step]
				lo++
			} else {
				line[a+k] = data[base+hi*step]
				hi++
			}
		}
		lift(line, a, a+n)
		for k := 0; k < n; k++ {
			data[base+k*step] = line[a+k]
		}
	}
}

// reflect maps i into [a,b) by whole-sample symmetric extension
func reflect(i, a, b int) int {
	n := b - a
	if n == 1 {
		return a
	}
	period := 2 * (n - 1)
	m := (i - a) % period
	if m < 0 {
		m += period
	}
	if m >= n {
		m = period - m
	}
	return a + m
}

func extend[T sample](p []T, a, b, ext int) {
	for k := 1; k <= ext; k++ {
		p[a-k] = p[reflect(a-k, a, b)]
		p[b-1+k] = p[reflect(b-1+k, a, b)]
	}
}

func sd53(p []int32, a, b int) {
	if b-a == 1 {
		if a&1 == 1 {
			p[a] <<= 1
		}
		return
	}
	extend(p, a, b, 2)
	for n := a - 1; n <= b; n++ {
		if n&1 == 1 {
			p[n] -= (p[n-1] + p[n+1]) >> 1
		}
	}
	for n := a; n < b; n++ {
		if n&1 == 0 {
			p[n] += (p[n-1] + p[n+1] + 2) >> 2
		}
	}
}

func sr53(p []int32, a, b int) {
	if b-a == 1 {
		if a&1 == 1 {
			p[a] >>= 1
		}
		return
	}
	extend(p, a, b, 2)
	for n := a - 1; n <= b; n++ {
		if n&1 == 0 {
			p[n] -= (p[n-1] + p[n+1] + 2) >> 2
		}
	}
	for n := a; n < b; n++ {
		if n&1 == 1 {
			p[n] += (p[n-1] + p[n+1]) >> 1
		}
	}
}

func sd97(p []float32, a, b int) {
	if b-a == 1 {
		if a&1 == 1 {
			p[a] *= 2
		}
		return
	}
	extend(p, a, b, 4)
	for n := a - 3; n <= b+2; n++ {
		if n&1 == 1 {
			p[n] -= liftAlpha * (p[n-1] + p[n+1])
		}
	}
	for n := a - 2; n <= b+1; n++ {
		if n&1 == 0 {
			p[n] -= liftBeta * (p[n-1] + p[n+1])
		}
	}
	for n := a - 1; n <= b; n++ {
		if n&1 == 1 {
			p[n] += liftGamma * (p[n-1] + p[n+1])
		}
	}
	for n := a; n < b; n++ {
		if n&1 == 0 {
			p[n] += liftDelta * (p[n-1] + p[n+1])
		}
	}
	for n := a; n < b; n++ {
		if n&1 == 0 {
			p[n] *= 1 / liftK
		} else {
			p[n] *= liftK / 2
		}
	}
}

func sr97(p []float32, a, b int) {
	if b-a == 1 {
		if a&1 == 1 {
			p[a] /= 2
		}
		return
	}
	for n := a; n < b; n++ {
		if n&1 == 0 {
			p[n] *= liftK
		} else {
			p[n] *= liftX
		}
	}
	extend(p, a, b, 4)
	for n := a - 3; n <= b+2; n++ {
		if n&1 == 0 {
			p[n] -= liftDelta * (p[n-1] + p[n+1])
		}
	}
	for n := a - 2; n <= b+1; n++ {
		if n&1 == 1 {
			p[n] -= liftGamma * (p[n-1] + p[n+1])
		}
	}
	for n := a - 1; n <= b; n++ {
		if n&1 == 0 {
			p[n] += liftBeta * (p[n-1] + p[n+1])
		}
	}
	for n := a; n < b; n++ {
		if n&1 == 1 {
			p[n] += liftAlpha * (p[n-1] + p[n+1])
		}
	}
}
