package diskinfo

import (
	"context"
	"encoding/json"
	"fmt"

	"vmstats-agent/internal/model"
)

// QemuImg inspects the image file with `qemu-img info`. Capacity is the space
// the image occupies on the host, allocation is its virtual size.
type QemuImg struct {
	binary string
	run    runFunc
}

type qemuImgInfo struct {
	VirtualSize *uint64 `json:"virtual-size"`
	ActualSize  *uint64 `json:"actual-size"`
}

func (q *QemuImg) Info(ctx context.Context, disk model.Disk) (uint64, uint64, error) {
	out, err := q.run(ctx, q.binary, "info", "--output=json", "--force-share", disk.Path)
	if err != nil {
		return 0, 0, err
	}
	return parseQemuImgInfo(out)
}

func parseQemuImgInfo(out []byte) (uint64, uint64, error) {
	var info qemuImgInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return 0, 0, fmt.Errorf("decode qemu-img info: %w", err)
	}
	if info.VirtualSize == nil || info.ActualSize == nil {
		return 0, 0, fmt.Errorf("qemu-img info output lacks virtual-size or actual-size")
	}
	return *info.ActualSize, *info.VirtualSize, nil
}
