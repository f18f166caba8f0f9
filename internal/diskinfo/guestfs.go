package diskinfo

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"vmstats-agent/internal/model"
)

// Guestfs inspects the filesystems inside the image with `virt-df`. Capacity
// is the summed filesystem size, allocation the summed used space.
type Guestfs struct {
	binary string
	run    runFunc
}

func (g *Guestfs) Info(ctx context.Context, disk model.Disk) (uint64, uint64, error) {
	out, err := g.run(ctx, g.binary, "--csv", "-a", disk.Path)
	if err != nil {
		return 0, 0, err
	}
	return parseVirtDF(out)
}

func parseVirtDF(out []byte) (uint64, uint64, error) {
	records, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	if err != nil {
		return 0, 0, fmt.Errorf("decode virt-df csv: %w", err)
	}
	if len(records) < 2 {
		return 0, 0, fmt.Errorf("virt-df found no filesystems")
	}

	blocksCol, usedCol := -1, -1
	for i, h := range records[0] {
		switch strings.TrimSpace(h) {
		case "1K-blocks":
			blocksCol = i
		case "Used":
			usedCol = i
		}
	}
	if blocksCol < 0 || usedCol < 0 {
		return 0, 0, fmt.Errorf("virt-df csv lacks 1K-blocks or Used column")
	}

	var capacity, allocation uint64
	for _, rec := range records[1:] {
		if len(rec) <= blocksCol || len(rec) <= usedCol {
			continue
		}
		blocks, errB := strconv.ParseUint(strings.TrimSpace(rec[blocksCol]), 10, 64)
		used, errU := strconv.ParseUint(strings.TrimSpace(rec[usedCol]), 10, 64)
		if errB != nil || errU != nil {
			continue
		}
		capacity += blocks * 1024
		allocation += used * 1024
	}
	return capacity, allocation, nil
}
