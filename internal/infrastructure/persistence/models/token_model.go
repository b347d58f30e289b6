package models

import "time"

// TokenModel 数据库中的Token记录
type TokenModel struct {
	ID        string `gorm:"primaryKey;size:512"`
	Data      []byte `gorm:"type:blob"`
	Version   int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

// TableName 表名
func (TokenModel) TableName() string {
	return "tokens"
}
