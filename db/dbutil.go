package db

import (
	"context"
	"fmt"
	"regexp"
)

var tableNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// GetEverythingFromTable dumps all rows from the given table into raw strings,
// ordered by the first column. Each element in the returned value is a row,
// and each column within that row is a element of a list. NULL columns are
// rendered as "NULL".
func GetEverythingFromTable(ctx context.Context, d *DB, table string) ([][]string, error) {
	if !tableNameRegex.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	selectRows, err := d.QueryContext(ctx, `SELECT * FROM `+table+` ORDER BY 1`)
	if err != nil {
		return [][]string{}, err
	}
	defer func() { _ = selectRows.Close() }()

	cols, err := selectRows.Columns()
	if err != nil {
		return [][]string{}, err
	}

	result := [][]string{}
	for selectRows.Next() {
		raw := make([]interface{}, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err = selectRows.Scan(dest...); err != nil {
			return [][]string{}, err
		}

		row := make([]string, len(cols))
		for i, value := range raw {
			switch v := value.(type) {
			case nil:
				row[i] = "NULL"
			case []byte:
				row[i] = string(v)
			default:
				row[i] = fmt.Sprint(v)
			}
		}
		result = append(result, row)
	}

	return result, selectRows.Err()
}
