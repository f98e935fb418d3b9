package datasets

// Rotation picks the active tile of a worker. The first Period minibatches
// come from tile 0, the next Period from tile 1, wrapping after the last tile.
type Rotation struct {
	Period int
	Tiles  int

	served int
	active int
}

// NewRotation returns a rotation over tiles switching every period
// minibatches.
func NewRotation(tiles, period int) *Rotation {
	if period < 1 {
		period = 1
	}
	return &Rotation{Period: period, Tiles: tiles}
}

// Next returns the tile index for the next minibatch.
func (r *Rotation) Next() int {
	if r.Tiles <= 0 {
		return -1
	}
	if r.served > 0 && r.served%r.Period == 0 {
		r.active = (r.active + 1) % r.Tiles
	}
	r.served++
	return r.active
}

// Active returns the index of the tile currently being served.
func (r *Rotation) Active() int { return r.active }

// Served returns how many minibatches the rotation has handed out.
func (r *Rotation) Served() int { return r.served }
