package tarpit

import (
	"time"
)

// EffectiveStutter computes the stutter delay that should apply right
// now (spec.md §4.3): a blacklisted connection keeps its Init-time
// stutter for its whole session; a greylisted, non-blacklisted
// connection keeps its Init-time stutter only for the first
// cfg.GreyStutter after session start, after which it is released so
// legitimate retries are not punished indefinitely.
func EffectiveStutter(c *Connection, cfg Config, now time.Time) time.Duration {
	if len(c.Matches) > 0 {
		return c.stutter
	}
	if cfg.EnableGrey && cfg.GreyStutter > 0 {
		if now.Sub(c.sTime) < cfg.GreyStutter {
			return c.stutter
		}
		return 0
	}
	return c.stutter
}

// WriteReady reports whether c's pending output may be written now.
func (c *Connection) WriteReady(now time.Time) bool {
	return c.outbuf.Len() > 0 && !c.wTime.After(now)
}

// ReadReady reports whether c should be read from now.
func (c *Connection) ReadReady(now time.Time) bool {
	return !c.rTime.After(now) && c.state != StateClose
}

// FlushStep performs one scheduler write step (spec.md §4.3):
//
// When stuttering and the table is below capacity minus a small
// tolerance, it writes a single byte, inserting a bare \r ahead of
// any \n whose preceding emitted byte wasn't already \r. Otherwise it
// flushes the whole remaining buffer in one write. After a write the
// slot's w_time advances by stutter; once the buffer drains, w_time
// is cleared, r_time opens immediately, and the caller should advance
// the state machine.
func (c *Connection) FlushStep(now time.Time, stutter time.Duration, tableNearCapacity bool) (drained bool, err error) {
	shouldStutter := stutter > 0 && !tableNearCapacity
	data := c.outbuf.Bytes()
	if len(data) == 0 {
		c.wTime = time.Time{}
		c.rTime = now
		return true, nil
	}

	if shouldStutter {
		b := data[0]
		if b == '\n' && c.lastByte != '\r' {
			if _, err := c.conn.Write([]byte{'\r'}); err != nil {
				return false, err
			}
			c.lastByte = '\r'
		} else {
			if _, err := c.conn.Write([]byte{b}); err != nil {
				return false, err
			}
			c.lastByte = b
			c.outbuf.Next(1)
		}
		c.wTime = now.Add(stutter)
	} else {
		if _, err := c.conn.Write(data); err != nil {
			return false, err
		}
		if n := len(data); n > 0 {
			c.lastByte = data[n-1]
		}
		c.outbuf.Reset()
	}

	if c.outbuf.Len() == 0 {
		c.wTime = time.Time{}
		c.rTime = now
		return true, nil
	}
	return false, nil
}
