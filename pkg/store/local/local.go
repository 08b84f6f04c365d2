// Package local 实现本地文件系统后端：对象写在 store 目录下，
// 注册表放在 SQLite (或 PostgreSQL) 里。
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"gorm.io/datatypes"

	"buildvault/pkg/cas"
	"buildvault/pkg/derivation"
	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
	"buildvault/pkg/interrupt"
	"buildvault/pkg/signature"
	"buildvault/pkg/store"
	"buildvault/pkg/storepath"
)

// Store 本地后端。
type Store struct {
	*store.Base

	root    string // 物理根，"" 表示直接落在真实文件系统上
	trusted []signature.PublicKey
	db      *gorm.DB

	resolver *derivation.Resolver
}

func init() {
	store.Register("local", matches, factory)
}

// matches 接管裸名字和文件系统路径：
// "local" / "" / "auto" / "daemon"、绝对路径、./相对路径，以及 file:// 形式。
func matches(scheme, rest string) bool {
	if scheme == "file" {
		return true
	}
	if scheme != "" {
		return false
	}
	switch rest {
	case "local", "", "auto", "daemon":
		return true
	}
	return strings.HasPrefix(rest, "/") || strings.HasPrefix(rest, "./")
}

func factory(uri, scheme, rest string, params *store.Params, cfg *store.Config) (store.Store, error) {
	root := params.Get("root", "")
	switch {
	case scheme == "file":
		root = rest
	case strings.HasPrefix(rest, "/"):
		root = rest
	case strings.HasPrefix(rest, "./"):
		abs, err := filepath.Abs(rest)
		if err != nil {
			return nil, err
		}
		root = abs
	}
	return New(uri, root, cfg)
}

// New 打开 (必要时初始化) 一个本地 store。
func New(uri, root string, cfg *store.Config) (*Store, error) {
	s := &Store{root: root}
	s.Base = store.NewBase(cfg.StoreDir, uri, 0, cfg, s)

	trusted, err := signature.ParsePublicKeys(cfg.TrustedKeys)
	if err != nil {
		return nil, err
	}
	s.trusted = trusted

	if err := os.MkdirAll(s.realDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	stateDir := root + cfg.StateDir
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case "", "sqlite":
		dialector = sqlite.Open(filepath.Join(stateDir, "registry.db"))
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseDSN)
	default:
		return nil, fmt.Errorf("unknown registry driver '%s'", cfg.DatabaseDriver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	if err := initSchema(db, cfg.DatabaseDriver); err != nil {
		return nil, err
	}
	s.db = db
	s.resolver = derivation.NewResolver(cfg.StoreDir, s)
	return s, nil
}

// NewWithConn 用现成的 GORM 连接初始化，测试和依赖注入用。
func NewWithConn(uri, root string, cfg *store.Config, db *gorm.DB) (*Store, error) {
	s := &Store{root: root, db: db}
	s.Base = store.NewBase(cfg.StoreDir, uri, 0, cfg, s)
	trusted, err := signature.ParsePublicKeys(cfg.TrustedKeys)
	if err != nil {
		return nil, err
	}
	s.trusted = trusted
	if err := os.MkdirAll(s.realDir(), 0o755); err != nil {
		return nil, err
	}
	if err := initSchema(db, "sqlite"); err != nil {
		return nil, err
	}
	s.resolver = derivation.NewResolver(cfg.StoreDir, s)
	return s, nil
}

func initSchema(db *gorm.DB, driver string) error {
	if err := db.AutoMigrate(&ValidPathModel{}, &RefModel{}, &DerivationOutputModel{}, &ResolvedDrvModel{}); err != nil {
		return fmt.Errorf("registry migration failed: %w", err)
	}
	if driver == "postgres" {
		for _, stmt := range selfRefTriggerPostgres {
			if err := db.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return nil
	}
	return db.Exec(selfRefTriggerSQL).Error
}

// realDir 是 store 目录的物理位置 (root 前缀 + 逻辑目录)。
func (s *Store) realDir() string {
	return s.root + string(s.Dir())
}

// realPath 路径的物理位置。
func (s *Store) realPath(p storepath.StorePath) string {
	return s.realDir() + "/" + p.String()
}

// Resolver 返回挂在本 store 上的 hash-modulo 解析器。
func (s *Store) Resolver() *derivation.Resolver { return s.resolver }

// -----------------------------------------------------------------------------
// 1. 注册表查询
// -----------------------------------------------------------------------------

func (s *Store) lookup(ctx context.Context, p storepath.StorePath) (*ValidPathModel, error) {
	var row ValidPathModel
	err := s.db.WithContext(ctx).Where("path = ?", s.Dir().Path(p)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.InvalidPath(s.Dir().Path(p))
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) QueryPathInfoUncached(ctx context.Context, p storepath.StorePath) (*store.ValidPathInfo, error) {
	row, err := s.lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.rowToInfo(ctx, p, row)
}

func (s *Store) rowToInfo(ctx context.Context, p storepath.StorePath, row *ValidPathModel) (*store.ValidPathInfo, error) {
	info := &store.ValidPathInfo{
		Path:             p,
		NarSize:          row.NarSize,
		RegistrationTime: row.RegistrationTime,
	}
	h, err := hashing.ParseAny(row.NarHash, hashing.SHA256)
	if err != nil {
		return nil, err
	}
	info.NarHash = h
	if row.Deriver != nil && *row.Deriver != "" {
		d, err := s.Dir().Parse(*row.Deriver)
		if err != nil {
			return nil, err
		}
		info.Deriver = d
	}
	if row.Ultimate != nil {
		info.Ultimate = *row.Ultimate
	}
	if len(row.Sigs) > 0 {
		if err := json.Unmarshal(row.Sigs, &info.Sigs); err != nil {
			return nil, fmt.Errorf("corrupt sigs column for '%s': %w", p.String(), err)
		}
	}
	if row.CA != nil {
		ca, err := cas.Parse(*row.CA)
		if err != nil {
			return nil, err
		}
		info.CA = ca
	}

	// 引用边 → 平铺集合 → 摘出 self 标志
	var refRows []RefModel
	if err := s.db.WithContext(ctx).Where("referrer = ?", row.ID).Find(&refRows).Error; err != nil {
		return nil, err
	}
	var flat []storepath.StorePath
	for _, r := range refRows {
		var target ValidPathModel
		if err := s.db.WithContext(ctx).Where("id = ?", r.Reference).First(&target).Error; err != nil {
			return nil, fmt.Errorf("dangling reference row %d: %w", r.Reference, err)
		}
		rp, err := s.Dir().Parse(target.Path)
		if err != nil {
			return nil, err
		}
		flat = append(flat, rp)
	}
	info.SetReferencesPossiblyToSelf(flat)
	return info, nil
}

func (s *Store) QueryPathFromHashPart(ctx context.Context, hashPart string) (storepath.StorePath, error) {
	var row ValidPathModel
	pattern := string(s.Dir()) + "/" + hashPart + "-%"
	err := s.db.WithContext(ctx).Where("path LIKE ?", pattern).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storepath.StorePath{}, errdefs.InvalidPath(hashPart)
	}
	if err != nil {
		return storepath.StorePath{}, err
	}
	return s.Dir().Parse(row.Path)
}

// QueryDerivationOutputs 按 .drv 路径列出已注册的输出路径。
func (s *Store) QueryDerivationOutputs(ctx context.Context, drvPath storepath.StorePath) (map[string]storepath.StorePath, error) {
	row, err := s.lookup(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	var outs []DerivationOutputModel
	if err := s.db.WithContext(ctx).Where("drv = ?", row.ID).Find(&outs).Error; err != nil {
		return nil, err
	}
	result := make(map[string]storepath.StorePath, len(outs))
	for _, o := range outs {
		p, err := s.Dir().Parse(o.Path)
		if err != nil {
			return nil, err
		}
		result[o.OutputID] = p
	}
	return result, nil
}

// -----------------------------------------------------------------------------
// 2. 写入
// -----------------------------------------------------------------------------

func (s *Store) AddToStore(ctx context.Context, info *store.ValidPathInfo, nar io.Reader, repair, checkSigs bool) error {
	if err := interrupt.Check(); err != nil {
		return err
	}
	data, err := io.ReadAll(nar)
	if err != nil {
		return err
	}

	// 哈希验校。有自引用的内容寻址路径用的是 modulo 哈希，跳过严格比对。
	if !info.NarHash.IsZero() && !(info.CA != nil && info.HasSelfReference) {
		got := hashing.Sum(hashing.SHA256, data)
		if !got.Equal(info.NarHash) {
			return errdefs.HashMismatch(s.Dir().Path(info.Path), info.NarHash.String(), got.String())
		}
	}
	if info.NarSize != 0 && info.NarSize != uint64(len(data)) {
		return errdefs.HashMismatch(s.Dir().Path(info.Path),
			fmt.Sprintf("%d bytes", info.NarSize), fmt.Sprintf("%d bytes", len(data)))
	}

	// 签名强制：至少一条可信签名，或路径自验证 (内容寻址重算路径一致)。
	if checkSigs && s.Config().RequireSigs && !info.Ultimate {
		good, err := info.CheckSignatures(s.Dir(), s.trusted)
		if err != nil {
			return err
		}
		if good == 0 {
			return fmt.Errorf("cannot add path '%s': %w", s.Dir().Path(info.Path), errdefs.ErrSignature)
		}
	}

	if info.RegistrationTime == 0 {
		info.RegistrationTime = time.Now().Unix()
	}
	if err := s.writeObject(info.Path, data, repair); err != nil {
		return err
	}
	if err := s.register(ctx, info); err != nil {
		return err
	}

	// 注册过的 derivation 顺手建输出索引
	if info.Path.IsDerivation() {
		if err := s.indexDerivationOutputs(ctx, info.Path, data); err != nil {
			return err
		}
	}

	// 写穿缓存：负缓存升格为存在必须经过这里
	s.Stats().NarInfoWrite.Add(1)
	s.primeCache(ctx, info)
	return nil
}

// primeCache 把新注册的记录写进两级缓存，覆盖可能存在的负缓存。
func (s *Store) primeCache(ctx context.Context, info *store.ValidPathInfo) {
	s.PrimeCache(ctx, info)
}

// writeObject 原子写入：先写临时文件再 rename，保证对象要么不存在要么完整。
func (s *Store) writeObject(p storepath.StorePath, data []byte, repair bool) error {
	target := s.realPath(p)
	if _, err := os.Stat(target); err == nil {
		if !repair {
			return nil // 已存在，幂等跳过
		}
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(s.realDir(), "tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// register 在一个事务里写 ValidPaths 行和引用边。幂等。
func (s *Store) register(ctx context.Context, info *store.ValidPathInfo) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := ValidPathModel{
			Path:             s.Dir().Path(info.Path),
			NarHash:          info.NarHash.String(),
			RegistrationTime: info.RegistrationTime,
			NarSize:          info.NarSize,
		}
		if !info.Deriver.IsZero() {
			d := s.Dir().Path(info.Deriver)
			row.Deriver = &d
		}
		if info.Ultimate {
			u := true
			row.Ultimate = &u
		}
		if len(info.Sigs) > 0 {
			raw, err := json.Marshal(info.Sigs)
			if err != nil {
				return err
			}
			row.Sigs = datatypes.JSON(raw)
		}
		if info.CA != nil {
			rendered := cas.Render(info.CA)
			row.CA = &rendered
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			DoNothing: true,
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("failed to register path: %w", err)
		}
		if row.ID == 0 {
			// 冲突跳过时 gorm 不回填 ID，补查一次
			if err := tx.Where("path = ?", s.Dir().Path(info.Path)).First(&row).Error; err != nil {
				return err
			}
		}

		for _, ref := range info.ReferencesPossiblyToSelf() {
			var target ValidPathModel
			err := tx.Where("path = ?", s.Dir().Path(ref)).First(&target).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("cannot register '%s': reference '%s' is not valid",
					info.Path.String(), ref.String())
			}
			if err != nil {
				return err
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&RefModel{Referrer: row.ID, Reference: target.ID}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// indexDerivationOutputs 解析 .drv 内容并记录输出索引。
func (s *Store) indexDerivationOutputs(ctx context.Context, drvPath storepath.StorePath, text []byte) error {
	name, err := derivation.NameFromPath(drvPath)
	if err != nil {
		return err
	}
	drv, err := derivation.Parse(s.Dir(), name, string(text))
	if err != nil {
		return err
	}
	row, err := s.lookup(ctx, drvPath)
	if err != nil {
		return err
	}
	for _, id := range drv.OutputIDs() {
		outPath, err := drv.OutputPath(s.Dir(), id)
		if err != nil {
			// 浮动输出没有路径，跳过索引
			continue
		}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
			Create(&DerivationOutputModel{
				Drv:      row.ID,
				OutputID: id,
				Path:     s.Dir().Path(outPath),
			}).Error; err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// 3. 读出与删除
// -----------------------------------------------------------------------------

func (s *Store) NarFromPath(ctx context.Context, p storepath.StorePath, sink io.Writer) error {
	if err := interrupt.Check(); err != nil {
		return err
	}
	// 先问注册表：未注册的文件就算碰巧在磁盘上也不算有效
	if _, err := s.lookup(ctx, p); err != nil {
		return err
	}
	f, err := os.Open(s.realPath(p))
	if os.IsNotExist(err) {
		return errdefs.InvalidPath(s.Dir().Path(p))
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(sink, f)
	return err
}

func (s *Store) EnsurePath(ctx context.Context, p storepath.StorePath) error {
	ok, err := s.IsValidPath(ctx, store.PathKey(p))
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.InvalidPath(s.Dir().Path(p))
	}
	return nil
}

// DeletePath 闭包感知的删除：还有别的有效路径引用它时拒绝。
// 自引用边不计入引用者，删除行之前连同其余出边一并清理。
func (s *Store) DeletePath(ctx context.Context, p storepath.StorePath) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ValidPathModel
		err := tx.Where("path = ?", s.Dir().Path(p)).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errdefs.InvalidPath(s.Dir().Path(p))
		}
		if err != nil {
			return err
		}
		var referrers int64
		if err := tx.Model(&RefModel{}).
			Where("reference = ? AND referrer <> ?", row.ID, row.ID).
			Count(&referrers).Error; err != nil {
			return err
		}
		if referrers > 0 {
			return fmt.Errorf("cannot delete path '%s': still referenced by %d paths", p.String(), referrers)
		}
		if err := tx.Where("referrer = ? AND referrer = reference", row.ID).Delete(&RefModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("referrer = ?", row.ID).Delete(&RefModel{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&row).Error; err != nil {
			return err
		}
		return os.Remove(s.realPath(p))
	})
}

// ReadDerivation 实现 derivation.Reader，hash-modulo 解析器靠它读配方。
func (s *Store) ReadDerivation(ctx context.Context, drvPath storepath.StorePath) (*derivation.Derivation, error) {
	name, err := derivation.NameFromPath(drvPath)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	if err := s.NarFromPath(ctx, drvPath, &sb); err != nil {
		return nil, err
	}
	return derivation.Parse(s.Dir(), name, sb.String())
}

// RecordResolvedDrv 记录 hash-modulo 替换的 memo (unresolved → resolved)。
func (s *Store) RecordResolvedDrv(ctx context.Context, unresolved, resolved storepath.StorePath) error {
	u, err := s.lookup(ctx, unresolved)
	if err != nil {
		return err
	}
	r, err := s.lookup(ctx, resolved)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ResolvedDrvModel{Unresolved: u.ID, Resolved: r.ID}).Error
}

// LookupResolvedDrv 反查 memo；没有记录时返回零值。
func (s *Store) LookupResolvedDrv(ctx context.Context, unresolved storepath.StorePath) (storepath.StorePath, error) {
	u, err := s.lookup(ctx, unresolved)
	if err != nil {
		return storepath.StorePath{}, err
	}
	var row ResolvedDrvModel
	err = s.db.WithContext(ctx).Where("unresolved = ?", u.ID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storepath.StorePath{}, nil
	}
	if err != nil {
		return storepath.StorePath{}, err
	}
	var target ValidPathModel
	if err := s.db.WithContext(ctx).Where("id = ?", row.Resolved).First(&target).Error; err != nil {
		return storepath.StorePath{}, err
	}
	return s.Dir().Parse(target.Path)
}
