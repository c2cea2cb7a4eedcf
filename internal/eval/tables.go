package eval

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

func ff(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func writeCSV(path string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func writeHistogram(path string, values []float64) error {
	edges, counts := Histogram(values, HistogramBins)
	rows := [][]string{{"bin_left", "bin_right", "count"}}
	for i, c := range counts {
		rows = append(rows, []string{ff(edges[i]), ff(edges[i+1]), strconv.Itoa(c)})
	}
	return writeCSV(path, rows)
}

func writeFreqMag(path string, pr PairResult) error {
	rows := [][]string{{"feature", "frequency", "magnitude"}}
	for j := range pr.Freq {
		rows = append(rows, []string{strconv.Itoa(j), ff(pr.Freq[j]), ff(pr.Mag[j])})
	}
	return writeCSV(path, rows)
}
