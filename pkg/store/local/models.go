package local

import (
	"gorm.io/datatypes"
)

// 注册表的关系模式。列名和表名是持久格式的一部分，改了就等于换数据库。

// ValidPathModel 一条有效路径记录。
type ValidPathModel struct {
	ID               uint   `gorm:"primaryKey"`
	Path             string `gorm:"uniqueIndex;type:varchar(255);not null"`
	NarHash          string `gorm:"type:varchar(80);not null"`
	RegistrationTime int64  `gorm:"not null"`
	Deriver          *string
	NarSize          uint64
	Ultimate         *bool

	// Sigs 是 JSON 数组；引用另列建模，签名没有关系语义，塞一列即可
	Sigs datatypes.JSON

	// CA 内容地址断言的文本形式 (见 cas.Render)，NULL 表示缺席
	CA *string `gorm:"column:ca;type:varchar(160)"`
}

func (ValidPathModel) TableName() string { return "ValidPaths" }

// RefModel 引用边：referrer 引用 reference。
// 自引用也占一行 (带着 self 标志平铺进来的)，删除 ValidPaths 行之前由触发器先行清理。
// 本模型不声明外键约束：两列指向有效的 ValidPaths id 只由 register 的写入逻辑保证。
type RefModel struct {
	Referrer  uint `gorm:"primaryKey;autoIncrement:false"`
	Reference uint `gorm:"primaryKey;autoIncrement:false"`
}

func (RefModel) TableName() string { return "Refs" }

// DerivationOutputModel 已注册 derivation 的输出索引。
type DerivationOutputModel struct {
	Drv      uint   `gorm:"primaryKey;autoIncrement:false"`
	OutputID string `gorm:"primaryKey;column:id;type:varchar(64)"`
	Path     string `gorm:"type:varchar(255);not null"`
}

func (DerivationOutputModel) TableName() string { return "DerivationOutputs" }

// ResolvedDrvModel hash-modulo 替换的持久 memo。
type ResolvedDrvModel struct {
	Unresolved uint `gorm:"primaryKey;autoIncrement:false"`
	Resolved   uint `gorm:"not null"`
}

func (ResolvedDrvModel) TableName() string { return "ResolvedDrv" }

// selfRefTriggerSQL 在删除 ValidPaths 行之前清掉它的自引用边。
const selfRefTriggerSQL = `
CREATE TRIGGER IF NOT EXISTS DeleteSelfRefs BEFORE DELETE ON ValidPaths
BEGIN
    DELETE FROM Refs WHERE referrer = old.id AND reference = old.id;
END;
`

// selfRefTriggerPostgres 同一触发器的 PostgreSQL 版本。
var selfRefTriggerPostgres = []string{
	`CREATE OR REPLACE FUNCTION delete_self_refs() RETURNS trigger AS $$
BEGIN
    DELETE FROM "Refs" WHERE referrer = OLD.id AND reference = OLD.id;
    RETURN OLD;
END;
$$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS delete_self_refs ON "ValidPaths";`,
	`CREATE TRIGGER delete_self_refs BEFORE DELETE ON "ValidPaths"
FOR EACH ROW EXECUTE FUNCTION delete_self_refs();`,
}
