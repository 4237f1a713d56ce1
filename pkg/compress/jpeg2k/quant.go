package jpeg2k

import (
	"math"
	"math/bits"
)

// dwtNorms holds the L2 norms of the synthesis basis functions scaled by
// 10000, indexed by [transform][LL,HL,LH,HH][level above the finest].
var dwtNorms = [2][4][]int64{
	TransformIrreversible97: {
		{10000, 19650, 41770, 84030, 169000, 338400, 676900, 1353000, 2706000, 5409000},
		{20220, 39890, 83550, 170400, 342700, 686300, 1373000, 2746000, 5490000},
		{20220, 39890, 83550, 170400, 342700, 686300, 1373000, 2746000, 5490000},
		{20800, 38650, 83070, 171800, 347100, 695900, 1393000, 2786000, 5572000},
	},
	TransformReversible53: {
		{10000, 15000, 27500, 53750, 106800, 213400, 426700, 853300, 1707000, 3413000},
		{10380, 15920, 29190, 57030, 113300, 226400, 452500, 904800, 1809000},
		{10380, 15920, 29190, 57030, 113300, 226400, 452500, 904800, 1809000},
		{7186, 9218, 15860, 30430, 60190, 120100, 240000, 479700, 959300},
	},
}

// dwtNorm returns the scaled norm of a band; beyond the table each extra
// level doubles the norm.
func dwtNorm(t TransformType, orient Subband, lev int) int64 {
	row := dwtNorms[t][orient]
	if lev < len(row) {
		return row[lev]
	}
	return row[len(row)-1] << (lev - len(row) + 1)
}

// bandIndex returns the position of a band in QCD order
func bandIndex(r int, orient Subband) int {
	if r == 0 {
		return 0
	}
	return 3*(r-1) + int(orient)
}

// encoderQuantization derives the QCD content for one component
func encoderQuantization(t TransformType, precision, levels, guardBits int) Quantization {
	q := Quantization{GuardBits: guardBits}
	if t == TransformReversible53 {
		q.Style = QuantNone
	} else {
		q.Style = QuantExpounded
	}
	for r := 0; r <= levels; r++ {
		orients := []Subband{SubbandHL, SubbandLH, SubbandHH}
		if r == 0 {
			orients = []Subband{SubbandLL}
		}
		lev := levels - r
		for _, o := range orients {
			if t == TransformReversible53 {
				q.Exponents = append(q.Exponents, precision+o.gain())
				continue
			}
			// 13-bit fixed point step 2^13/norm, split into exponent and mantissa
			ss := 81920000 / dwtNorm(t, o, lev)
			log := bits.Len64(uint64(ss)) - 1
			var mant int64
			if log > 11 {
				mant = ss >> (log - 11)
			} else {
				mant = ss << (11 - log)
			}
			q.Exponents = append(q.Exponents, max(precision-log+13, 0))
			q.Mantissas = append(q.Mantissas, int(mant&0x7FF))
		}
	}
	return q
}

// bandStep returns the quantization step size (E-3). rb is the nominal
// dynamic range: the precision, plus the band gain on the reversible path.
func bandStep(expn, mant, rb int) float64 {
	return (1 + float64(mant)/2048) * math.Pow(2, float64(rb-expn))
}
