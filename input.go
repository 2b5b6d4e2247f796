package pipecorral

import (
	"bufio"
	"sort"
	"strings"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corfs"
)

// inputSplit contains the information about a contiguous chunk of an input file.
// startOffset and endOffset are inclusive. For example, a startOffset of 10 and an endOffset
// of 12 indicate that the first three bytes of the split are at bytes 10, 11 and 12 of the file.
type inputSplit struct {
	Filename    string
	StartOffset int64
	EndOffset   int64
}

// Size returns the number of bytes that the inputSplit spans
func (i inputSplit) Size() int64 {
	return i.EndOffset - i.StartOffset + 1
}

// splitInputFile calculates the inputSplits for an input file
func splitInputFile(file corfs.FileInfo, maxSplitSize int64) []inputSplit {
	splits := make([]inputSplit, 0)
	if maxSplitSize <= 0 {
		maxSplitSize = file.Size
	}

	for startOffset := int64(0); startOffset < file.Size; startOffset += maxSplitSize {
		endOffset := min64(startOffset+maxSplitSize, file.Size) - 1
		splits = append(splits, inputSplit{
			Filename:    file.Name,
			StartOffset: startOffset,
			EndOffset:   endOffset,
		})
	}
	return splits
}

// packInputSplits partitions inputSplits into bins of at most maxBinSize bytes
// using first fit decreasing. A split larger than maxBinSize gets a bin of its own.
func packInputSplits(splits []inputSplit, maxBinSize int64) [][]inputSplit {
	sorted := make([]inputSplit, len(splits))
	copy(sorted, splits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Size() > sorted[j].Size()
	})

	bins := make([][]inputSplit, 0)
	sizes := make([]int64, 0)
	for _, split := range sorted {
		placed := false
		for i := range bins {
			if sizes[i]+split.Size() <= maxBinSize {
				bins[i] = append(bins[i], split)
				sizes[i] += split.Size()
				placed = true
				break
			}
		}
		if !placed {
			bins = append(bins, []inputSplit{split})
			sizes = append(sizes, split.Size())
		}
	}
	return bins
}

// countingSplitFunc wraps a bufio.SplitFunc and keeps track of the number of bytes advanced.
func countingSplitFunc(split bufio.SplitFunc, bytesRead *int64) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		adv, tok, err := split(data, atEOF)
		*bytesRead += int64(adv)
		return adv, tok, err
	}
}

// inputRecord is a line of an input file
type inputRecord struct {
	Key   string
	Value string
}

// splitInputRecord splits "key\tvalue" lines. Any other line is a value without a key.
func splitInputRecord(record string) inputRecord {
	fields := strings.Split(record, "\t")
	if len(fields) == 2 {
		return inputRecord{
			Key:   fields[0],
			Value: fields[1],
		}
	}
	return inputRecord{
		Value: record,
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
