// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package partition implements the deterministic, size-capped greedy
// partitioner that splits a torrent's file list into parts for the task
// engine. It has no dependency on any other package in this module.
package partition

import "github.com/uchouT/qb-downloader/internal/domain"

// Part is an ordered list of file indices downloaded and uploaded together.
type Part []int

// Partition splits lengths into parts whose summed byte length does not
// exceed cap, preserving traversal order. When selected is non-nil, only
// those indices (in the given order) are considered; otherwise every index
// of lengths is used in order.
//
// Partition fails with domain.ErrOverSize if any considered index's length
// alone exceeds cap — such a file can never fit in any part.
func Partition(lengths []int64, maxPartSize int64, selected []int) ([]Part, error) {
	order := selected
	if order == nil {
		order = make([]int, len(lengths))
		for i := range lengths {
			order[i] = i
		}
	}

	for _, i := range order {
		if lengths[i] > maxPartSize {
			return nil, domain.ErrOverSize
		}
	}

	var parts []Part
	var current Part
	var sum int64

	for _, i := range order {
		l := lengths[i]
		if len(current) > 0 && sum+l > maxPartSize {
			parts = append(parts, current)
			current = nil
			sum = 0
		}
		current = append(current, i)
		sum += l
	}
	if len(current) > 0 {
		parts = append(parts, current)
	}

	return parts, nil
}
