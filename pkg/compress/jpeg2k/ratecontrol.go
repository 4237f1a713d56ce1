package jpeg2k

// lambdaScale converts a quality value into the rate-distortion slope
const lambdaScale = 1e8

// wmsedecShift is the fixed-point scale between the band norm and the
// distortion estimate
const wmsedecShift = 13

// layerQualities returns the quality of every layer, coarsest first. Without
// explicit values each earlier layer is eight times coarser than the next.
func layerQualities(opts *Options) []float64 {
	if len(opts.LayerQualities) == opts.NumLayers {
		return opts.LayerQualities
	}
	q := make([]float64, opts.NumLayers)
	f := opts.Quality
	for l := opts.NumLayers - 1; l >= 0; l-- {
		q[l] = f
		f *= 8
	}
	return q
}

// allocateLayers decides the cumulative passes of every code-block of the
// tile per layer. A block never loses passes from one layer to the next.
func allocateLayers(t *Tile, qualities []float64) {
	for _, comp := range t.Components {
		for _, rl := range comp.Levels {
			for _, b := range rl.Bands {
				norm := bandNorm(comp.Style.Transform, b)
				for _, cb := range b.Cblks {
					cb.layerPasses = cb.layerPasses[:0]
					prev := 0
					for _, q := range qualities {
						n := cb.npasses
						if q > 0 {
							n = getcut(cb, q*lambdaScale, norm)
						}
						prev = max(prev, n)
						cb.layerPasses = append(cb.layerPasses, prev)
					}
				}
			}
		}
	}
}

// bandNorm weighs the distortion of a band by its synthesis norm and step.
// The step is taken in 15-bit fixed point and shifted back out, so the
// weight stays on the norm table's scale.
func bandNorm(t TransformType, b *Band) float64 {
	istep := int64(b.Step * (1 << 15))
	return float64(dwtNorm(t, b.Orient, b.Level) * istep >> 15)
}

// getcut returns the number of passes worth their rate at slope lambda
func getcut(cb *Cblk, lambda, norm float64) int {
	res := 0
	for i, p := range cb.passes[:cb.npasses] {
		var r0 int
		var d0 float64
		if res > 0 {
			r0, d0 = cb.passes[res-1].rate, cb.passes[res-1].disto
		}
		dr := float64(p.rate - r0)
		dd := p.disto - d0
		if dd*norm/(1<<wmsedecShift)*norm >= dr*lambda {
			res = i + 1
		}
	}
	return res
}
