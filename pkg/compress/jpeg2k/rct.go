package jpeg2k

import "math"

// Component transforms of ITU-T T.800 Annex G. RCT pairs with the 5/3
// transform, ICT with the 9/7 transform. Both work in place on the first
// three components.

// ForwardRCT applies the reversible color transform (RGB -> YCbCr)
func ForwardRCT(r, g, b []int32) {
	for i := range r {
		ri, gi, bi := r[i], g[i], b[i]
		r[i] = (ri + 2*gi + bi) >> 2 // floor((R + 2G + B) / 4)
		g[i] = bi - gi               // Cb = B - G
		b[i] = ri - gi               // Cr = R - G
	}
}

// InverseRCT applies the inverse reversible color transform (YCbCr -> RGB)
func InverseRCT(y, cb, cr []int32) {
	for i := range y {
		yi, cbi, cri := y[i], cb[i], cr[i]
		g := yi - ((cbi + cri) >> 2)
		y[i] = cri + g  // R
		cb[i] = g       // G
		cr[i] = cbi + g // B
	}
}

// ForwardICT applies the irreversible color transform (RGB -> YCbCr)
func ForwardICT(r, g, b []float32) {
	for i := range r {
		ri, gi, bi := r[i], g[i], b[i]
		r[i] = 0.299*ri + 0.587*gi + 0.114*bi
		g[i] = -0.16875*ri - 0.33126*gi + 0.5*bi
		b[i] = 0.5*ri - 0.41869*gi - 0.08131*bi
	}
}

// InverseICT applies the inverse irreversible color transform (YCbCr -> RGB)
func InverseICT(y, cb, cr []float32) {
	for i := range y {
		yi, cbi, cri := y[i], cb[i], cr[i]
		y[i] = yi + 1.402*cri
		cb[i] = yi - 0.34413*cbi - 0.71414*cri
		cr[i] = yi + 1.772*cbi
	}
}

// sampleRange returns the valid sample range of a component
func sampleRange(info ComponentInfo) (lo, hi int32) {
	if info.Signed {
		return -1 << (info.Precision - 1), 1<<(info.Precision-1) - 1
	}
	return 0, 1<<info.Precision - 1
}

// dcOffset is the level shift of unsigned components (G.1.2)
func dcOffset(info ComponentInfo) int32 {
	if info.Signed {
		return 0
	}
	return 1 << (info.Precision - 1)
}

// levelShiftInt moves reconstructed samples back to their range
func levelShiftInt(dst, src []int32, info ComponentInfo) {
	off := dcOffset(info)
	lo, hi := sampleRange(info)
	for i, v := range src {
		dst[i] = min(max(v+off, lo), hi)
	}
}

// levelShiftFloat rounds, shifts and clips irreversible samples
func levelShiftFloat(dst []int32, src []float32, info ComponentInfo) {
	off := float64(dcOffset(info))
	lo, hi := sampleRange(info)
	for i, v := range src {
		r := math.Round(float64(v) + off)
		dst[i] = int32(min(max(r, float64(lo)), float64(hi)))
	}
}
