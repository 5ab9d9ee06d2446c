package backfill

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const defaultPageSize = 100

// FileSource reads records from a JSON Lines export, one Record per line.
// Page tokens are line offsets.
type FileSource struct {
	Path     string
	PageSize int
}

// FetchBatch implements Source. The entity type is carried by the caller;
// every line of the file belongs to it.
func (f FileSource) FetchBatch(ctx context.Context, _ string, pageToken string) ([]Record, string, error) {
	offset := 0
	if pageToken != "" {
		parsed, err := strconv.Atoi(pageToken)
		if err != nil || parsed < 0 {
			return nil, "", fmt.Errorf("invalid page token %q", pageToken)
		}
		offset = parsed
	}
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	records := make([]Record, 0, pageSize)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			line++
			continue
		}
		if line < offset {
			line++
			continue
		}
		if len(records) == pageSize {
			return records, strconv.Itoa(line), nil
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, "", fmt.Errorf("line %d: %w", line+1, err)
		}
		records = append(records, rec)
		line++
	}
	if err := scanner.Err(); err != nil {
		return nil, "", err
	}
	return records, "", nil
}
