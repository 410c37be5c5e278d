//go:build linux && arm && !arm64

package v4l2

import "github.com/smazurov/v4lstream/pkg/linuxav/streamio"

func (b *v4l2Buffer) timestamp() streamio.Timestamp {
	return streamio.Timestamp{Sec: int64(b.tvSec), Usec: int64(b.tvUsec)}
}

func (b *v4l2Buffer) setTimestamp(ts streamio.Timestamp) {
	b.tvSec = int32(ts.Sec)
	b.tvUsec = int32(ts.Usec)
}
