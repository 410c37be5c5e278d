//go:build linux && (amd64 || arm64)

package v4l2

import "github.com/smazurov/v4lstream/pkg/linuxav/streamio"

func (b *v4l2Buffer) timestamp() streamio.Timestamp {
	return streamio.Timestamp{Sec: b.tvSec, Usec: b.tvUsec}
}

func (b *v4l2Buffer) setTimestamp(ts streamio.Timestamp) {
	b.tvSec = ts.Sec
	b.tvUsec = ts.Usec
}
