package records

// Row models one durable asset record. The name lives in its own column
// because the UI treats it as a first-class field; every other field is a
// keyed JSON value in asset_row_fields.
type Row struct {
	RecordID        string `gorm:"column:record_id;primaryKey;size:190;not null"`
	CollectionID    string `gorm:"column:collection_id;size:190;not null;index:idx_rows_collection_order,priority:1"`
	Name            string `gorm:"column:name;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_rows_collection_order,priority:3"`
	Position        *int64 `gorm:"column:position;index:idx_rows_collection_order,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "asset_rows"
}

// RowField stores one field value as canonical JSON text.
type RowField struct {
	RecordID  string `gorm:"column:record_id;primaryKey;size:190;not null"`
	FieldKey  string `gorm:"column:field_key;primaryKey;size:190;not null"`
	ValueJSON string `gorm:"column:value_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RowField) TableName() string {
	return "asset_row_fields"
}
