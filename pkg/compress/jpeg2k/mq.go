package jpeg2k

// MQ arithmetic coder (ITU-T T.800 Annex C) and the raw bypass coder
// used by selective arithmetic coding bypass (Annex D.6).

type mqProb struct {
	qe   uint32
	nmps uint8
	nlps uint8
	swtc bool
}

// mqTable is Table C.2: Qe value, next index on MPS/LPS, MPS switch flag
var mqTable = [47]mqProb{
	{0x5601, 1, 1, true},
	{0x3401, 2, 6, false},
	{0x1801, 3, 9, false},
	{0x0AC1, 4, 12, false},
	{0x0521, 5, 29, false},
	{0x0221, 38, 33, false},
	{0x5601, 7, 6, true},
	{0x5401, 8, 14, false},
	{0x4801, 9, 14, false},
	{0x3801, 10, 14, false},
	{0x3001, 11, 17, false},
	{0x2401, 12, 18, false},
	{0x1C01, 13, 20, false},
	{0x1601, 29, 21, false},
	{0x5601, 15, 14, true},
	{0x5401, 16, 14, false},
	{0x5101, 17, 15, false},
	{0x4801, 18, 16, false},
	{0x3801, 19, 17, false},
	{0x3401, 20, 18, false},
	{0x3001, 21, 19, false},
	{0x2801, 22, 19, false},
	{0x2401, 23, 20, false},
	{0x2201, 24, 21, false},
	{0x1C01, 25, 22, false},
	{0x1801, 26, 23, false},
	{0x1601, 27, 24, false},
	{0x1401, 28, 25, false},
	{0x1201, 29, 26, false},
	{0x1101, 30, 27, false},
	{0x0AC1, 31, 28, false},
	{0x09C1, 32, 29, false},
	{0x08A1, 33, 30, false},
	{0x0521, 34, 31, false},
	{0x0441, 35, 32, false},
	{0x02A1, 36, 33, false},
	{0x0221, 37, 34, false},
	{0x0141, 38, 35, false},
	{0x0111, 39, 36, false},
	{0x0085, 40, 37, false},
	{0x0049, 41, 38, false},
	{0x0025, 42, 39, false},
	{0x0015, 43, 40, false},
	{0x0009, 44, 41, false},
	{0x0005, 45, 42, false},
	{0x0001, 45, 43, false},
	{0x5601, 46, 46, false},
}

// mqState is the adaptive probability state of one context
type mqState struct {
	index uint8
	mps   uint8
}

type mqContexts [numContexts]mqState

// reset restores the initial states of Table D.7
func (c *mqContexts) reset() {
	*c = mqContexts{}
	c[ctxZCStart].index = 4
	c[ctxRunLen].index = 3
	c[ctxUniform].index = 46
}

// mqEncoder produces one codeword segment at a time. buf[0] is a scratch
// byte so a carry can always be propagated into the previous byte.
type mqEncoder struct {
	a, c uint32
	ct   int
	buf  []byte
	bp   int
	ctx  mqContexts
}

// init starts a new codeword segment, keeping the context states
func (e *mqEncoder) init() {
	e.a = 0x8000
	e.c = 0
	e.ct = 12
	e.buf = append(e.buf[:0], 0)
	e.bp = 0
}

func (e *mqEncoder) emit(v byte) {
	e.buf = append(e.buf, v)
	e.bp = len(e.buf) - 1
}

func (e *mqEncoder) byteOut() {
	for {
		switch {
		case e.buf[e.bp] == 0xFF:
			e.emit(byte(e.c >> 20))
			e.c &= 0xFFFFF
			e.ct = 7
			return
		case e.c&0x8000000 != 0:
			e.buf[e.bp]++
			e.c &= 0x7FFFFFF
		default:
			e.emit(byte(e.c >> 19))
			e.c &= 0x7FFFF
			e.ct = 8
			return
		}
	}
}

func (e *mqEncoder) renorm() {
	for {
		e.a <<= 1
		e.c <<= 1
		e.ct--
		if e.ct == 0 {
			e.byteOut()
		}
		if e.a&0x8000 != 0 {
			return
		}
	}
}

// encode codes decision d in context cx
func (e *mqEncoder) encode(cx, d int) {
	st := &e.ctx[cx]
	p := &mqTable[st.index]
	e.a -= p.qe
	if int(st.mps) == d {
		if e.a&0x8000 != 0 {
			e.c += p.qe
			return
		}
		if e.a < p.qe {
			e.a = p.qe
		} else {
			e.c += p.qe
		}
		st.index = p.nmps
		e.renorm()
		return
	}
	if e.a < p.qe {
		e.c += p.qe
	} else {
		e.a = p.qe
	}
	if p.swtc {
		st.mps ^= 1
	}
	st.index = p.nlps
	e.renorm()
}

func (e *mqEncoder) setBits() {
	tmp := e.c + e.a
	e.c |= 0xFFFF
	if e.c >= tmp {
		e.c -= 0x8000
	}
}

// flush terminates the segment and returns its bytes. A trailing 0xFF is
// dropped; the decoder pads with 0xFF.
func (e *mqEncoder) flush() []byte {
	e.setBits()
	e.c <<= e.ct
	e.byteOut()
	e.c <<= e.ct
	e.byteOut()
	end := e.bp
	if e.buf[end] != 0xFF {
		end++
	}
	return e.buf[1:end]
}

// flushTo computes the bytes that would terminate the segment at the current
// position without disturbing the encoder. The segment truncated here is the
// first committed bytes of the final segment followed by tail.
func (e *mqEncoder) flushTo() (committed int, tail []byte) {
	t := *e
	t.buf = []byte{e.buf[e.bp]}
	t.bp = 0
	t.setBits()
	t.c <<= t.ct
	t.byteOut()
	t.c <<= t.ct
	t.byteOut()
	end := t.bp
	if t.buf[end] != 0xFF {
		end++
	}
	tail = t.buf[:end]
	if e.bp == 0 {
		return 0, tail[1:]
	}
	return e.bp - 1, tail
}

// length returns the number of bytes already committed
func (e *mqEncoder) length() int {
	return max(e.bp-1, 0)
}

// mqDecoder decodes one codeword segment at a time
type mqDecoder struct {
	data []byte
	pos  int
	a, c uint32
	ct   int
	ctx  mqContexts
}

// init starts decoding seg, keeping the context states. Two 0xFF bytes are
// appended so the look-ahead never runs past the buffer.
func (d *mqDecoder) init(seg []byte) {
	d.data = append(append(d.data[:0], seg...), 0xFF, 0xFF)
	d.pos = 0
	d.c = uint32(d.data[0]) << 16
	d.byteIn()
	d.c <<= 7
	d.ct -= 7
	d.a = 0x8000
}

func (d *mqDecoder) byteIn() {
	if d.data[d.pos] == 0xFF {
		if d.pos+1 >= len(d.data) || d.data[d.pos+1] > 0x8F {
			d.c += 0xFF00
			d.ct = 8
			return
		}
		d.pos++
		d.c += uint32(d.data[d.pos]) << 9
		d.ct = 7
		return
	}
	d.pos++
	d.c += uint32(d.data[d.pos]) << 8
	d.ct = 8
}

func (d *mqDecoder) renorm() {
	for {
		if d.ct == 0 {
			d.byteIn()
		}
		d.a <<= 1
		d.c <<= 1
		d.ct--
		if d.a&0x8000 != 0 {
			return
		}
	}
}

// decode returns the next decision in context cx
func (d *mqDecoder) decode(cx int) int {
	st := &d.ctx[cx]
	p := &mqTable[st.index]
	mps := int(st.mps)
	d.a -= p.qe

	if d.c>>16 < p.qe {
		var bit int
		if d.a < p.qe {
			bit = mps
			st.index = p.nmps
		} else {
			bit = 1 - mps
			if p.swtc {
				st.mps ^= 1
			}
			st.index = p.nlps
		}
		d.a = p.qe
		d.renorm()
		return bit
	}

	d.c -= p.qe << 16
	if d.a&0x8000 != 0 {
		return mps
	}
	var bit int
	if d.a < p.qe {
		bit = 1 - mps
		if p.swtc {
			st.mps ^= 1
		}
		st.index = p.nlps
	} else {
		bit = mps
		st.index = p.nmps
	}
	d.renorm()
	return bit
}

// rawEncoder writes bypass bits MSB first. A byte after 0xFF carries 7 bits.
type rawEncoder struct {
	buf []byte
	c   byte
	ct  int
}

func (r *rawEncoder) init() {
	r.buf = r.buf[:0]
	r.c = 0
	r.ct = 8
}

func (r *rawEncoder) encode(bit int) {
	r.ct--
	r.c |= byte(bit&1) << r.ct
	if r.ct == 0 {
		r.buf = append(r.buf, r.c)
		r.ct = 8
		if r.c == 0xFF {
			r.ct = 7
		}
		r.c = 0
	}
}

func (r *rawEncoder) pending() bool {
	full := 8
	if len(r.buf) > 0 && r.buf[len(r.buf)-1] == 0xFF {
		full = 7
	}
	return r.ct < full
}

// flush pads the last byte with zero bits and drops a trailing 0xFF
func (r *rawEncoder) flush() []byte {
	if r.pending() {
		r.buf = append(r.buf, r.c)
	}
	if n := len(r.buf); n > 0 && r.buf[n-1] == 0xFF {
		r.buf = r.buf[:n-1]
	}
	return r.buf
}

// flushTo is the raw counterpart of mqEncoder.flushTo
func (r *rawEncoder) flushTo() (committed int, tail []byte) {
	committed = len(r.buf)
	if r.pending() {
		return committed, []byte{r.c}
	}
	if committed > 0 && r.buf[committed-1] == 0xFF {
		committed--
	}
	return committed, nil
}

// rawDecoder reads bypass bits
type rawDecoder struct {
	data []byte
	pos  int
	c    byte
	ct   int
}

func (r *rawDecoder) init(seg []byte) {
	r.data = append(append(r.data[:0], seg...), 0xFF, 0xFF)
	r.pos = 0
	r.c = 0
	r.ct = 0
}

func (r *rawDecoder) decode() int {
	if r.ct == 0 {
		next := byte(0xFF)
		if r.pos < len(r.data) {
			next = r.data[r.pos]
		}
		switch {
		case r.c == 0xFF && next > 0x8F:
			r.ct = 8
		case r.c == 0xFF:
			r.c = next
			r.pos++
			r.ct = 7
		default:
			r.c = next
			r.pos++
			r.ct = 8
		}
	}
	r.ct--
	return int(r.c>>r.ct) & 1
}
