package adaptor

import (
	"fmt"
	"strings"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type threatRecord struct {
	ID          string `gorm:"primaryKey"`
	ValueType   string `gorm:"uniqueIndex:idx_threat_key;not null"`
	Value       string `gorm:"uniqueIndex:idx_threat_key;not null"`
	Source      string `gorm:"uniqueIndex:idx_threat_key;index;not null"`
	ThreatType  string `gorm:"index"`
	URL         string
	Domain      string `gorm:"index"`
	TLD         string
	Keywords    string
	Tags        string
	Description string
	Confidence  int
	RiskScore   int

	Registrar    string
	RegisteredAt int64
	WhoisStatus  string
	Reputation   string
	VTMalicious  int
	VTSuspicious int

	DetectedAt int64 `gorm:"index"`
	Alerted    bool
	AlertedAt  int64
}

func (threatRecord) TableName() string { return "threats" }

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func newThreatRecord(t *threatwatch.Threat) *threatRecord {
	return &threatRecord{
		ID:           t.ID,
		ValueType:    string(t.Type),
		Value:        t.Data,
		Source:       t.Source,
		ThreatType:   string(t.ThreatType),
		URL:          t.URL,
		Domain:       t.Domain,
		TLD:          t.TLD,
		Keywords:     strings.Join(t.Keywords, ","),
		Tags:         strings.Join(t.Tags, ","),
		Description:  t.Description,
		Confidence:   t.Confidence,
		RiskScore:    t.RiskScore,
		Registrar:    t.Registrar,
		RegisteredAt: t.RegisteredAt,
		WhoisStatus:  string(t.WhoisStatus),
		Reputation:   string(t.Reputation),
		VTMalicious:  t.VTMalicious,
		VTSuspicious: t.VTSuspicious,
		DetectedAt:   t.DetectedAt,
		Alerted:      t.Alerted,
		AlertedAt:    t.AlertedAt,
	}
}

func (x *threatRecord) threat() *threatwatch.Threat {
	return &threatwatch.Threat{
		Value: threatwatch.Value{
			Data: x.Value,
			Type: threatwatch.ValueType(x.ValueType),
		},
		ID:           x.ID,
		Source:       x.Source,
		ThreatType:   threatwatch.ThreatType(x.ThreatType),
		URL:          x.URL,
		Domain:       x.Domain,
		TLD:          x.TLD,
		Keywords:     splitList(x.Keywords),
		Tags:         splitList(x.Tags),
		Description:  x.Description,
		Confidence:   x.Confidence,
		RiskScore:    x.RiskScore,
		Registrar:    x.Registrar,
		RegisteredAt: x.RegisteredAt,
		WhoisStatus:  threatwatch.WhoisStatus(x.WhoisStatus),
		Reputation:   threatwatch.Reputation(x.Reputation),
		VTMalicious:  x.VTMalicious,
		VTSuspicious: x.VTSuspicious,
		DetectedAt:   x.DetectedAt,
		Alerted:      x.Alerted,
		AlertedAt:    x.AlertedAt,
	}
}

// SQLiteRepository is Repository on a local SQLite file via gorm. Schema is
// migrated when opened.
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository opens SQLite database at path. region is ignored.
func NewSQLiteRepository(region, path string) (Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open SQLite").With("path", path)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to get sql.DB").With("path", path)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&threatRecord{}); err != nil {
		return nil, errors.Wrap(err, "Failed to migrate threats table").With("path", path)
	}

	return &SQLiteRepository{db: db}, nil
}

func (x *SQLiteRepository) PutThreats(threats []*threatwatch.Threat) error {
	if len(threats) == 0 {
		return nil
	}

	records := make([]*threatRecord, len(threats))
	for i, t := range threats {
		records[i] = newThreatRecord(t)
	}

	q := x.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "value_type"}, {Name: "value"}, {Name: "source"}},
		UpdateAll: true,
	})
	if err := q.Create(&records).Error; err != nil {
		return errors.Wrap(err, "PutThreats").With("count", len(records))
	}
	return nil
}

func (x *SQLiteRepository) GetThreats(values []threatwatch.Value) ([]*threatwatch.Threat, error) {
	var threats []*threatwatch.Threat
	for _, v := range values {
		var records []*threatRecord
		if err := x.db.Where("value_type = ? AND value = ?", string(v.Type), v.Data).Find(&records).Error; err != nil {
			return nil, errors.Wrap(err, "GetThreats").With("value", v)
		}
		for _, r := range records {
			threats = append(threats, r.threat())
		}
	}
	return threats, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// escapeLike makes keyword match literally in LIKE pattern with ESCAPE '\'
func escapeLike(keyword string) string {
	return likeEscaper.Replace(keyword)
}

func (x *SQLiteRepository) SearchThreats(query *threatwatch.ThreatQuery) ([]*threatwatch.Threat, error) {
	if query == nil {
		query = &threatwatch.ThreatQuery{}
	}

	tx := x.db.Model(&threatRecord{})
	if query.Keyword != "" {
		like := "%" + escapeLike(query.Keyword) + "%"
		tx = tx.Where(`value LIKE ? ESCAPE '\' OR domain LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\' OR keywords LIKE ? ESCAPE '\'`,
			like, like, like, like)
	}
	if query.Source != "" {
		tx = tx.Where("LOWER(source) = LOWER(?)", query.Source)
	}
	if query.ThreatType != "" {
		tx = tx.Where("threat_type = ?", string(query.ThreatType))
	}

	from, to := query.DetectedRange()
	if from != 0 {
		tx = tx.Where("detected_at >= ?", from)
	}
	if to != 0 {
		tx = tx.Where("detected_at <= ?", to)
	}
	if query.MinConfidence > 0 {
		tx = tx.Where("confidence >= ?", query.MinConfidence)
	}
	if query.MinRiskScore > 0 {
		tx = tx.Where("risk_score >= ?", query.MinRiskScore)
	}
	if query.OnlyUnalerted {
		tx = tx.Where("alerted = ?", false)
	}

	dir := "ASC"
	if query.Desc {
		dir = "DESC"
	}
	// SortKeyOrDefault is allow-listed, never user input as is
	tx = tx.Order(fmt.Sprintf("%s %s, id", query.SortKeyOrDefault(), dir))
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}

	var records []*threatRecord
	if err := tx.Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "SearchThreats").With("query", query)
	}

	threats := make([]*threatwatch.Threat, len(records))
	for i, r := range records {
		threats[i] = r.threat()
	}
	return threats, nil
}

func (x *SQLiteRepository) UpdateThreatAlerted(threat *threatwatch.Threat) error {
	res := x.db.Model(&threatRecord{}).
		Where("value_type = ? AND value = ? AND source = ?", string(threat.Type), threat.Data, threat.Source).
		Updates(map[string]interface{}{
			"alerted":    true,
			"alerted_at": threat.AlertedAt,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "Failed to update threat to alerted").With("threat", threat.Key())
	}
	if res.RowsAffected == 0 {
		return errors.New("Threat to be alerted is not found").With("threat", threat.Key())
	}
	return nil
}

func (x *SQLiteRepository) Close() error {
	sqlDB, err := x.db.DB()
	if err != nil {
		return errors.Wrap(err, "Failed to get sql.DB")
	}
	return sqlDB.Close()
}
