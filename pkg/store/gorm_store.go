package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"vibe/pkg/domain"
)

const migrateLockID int64 = 51860427

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"
)

// GormStore implements Store on Postgres (production) or SQLite (local dev, tests).
type GormStore struct {
	db      *gorm.DB
	dialect string
	inTx    bool
}

// NewGormStore opens the database named by dsn and runs auto-migrations.
// "sqlite:<path>" selects SQLite ("sqlite::memory:" for a throwaway database);
// anything else is handed to the postgres driver.
func NewGormStore(dsn string) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{Logger: gormLog, TranslateError: true}

	var (
		db      *gorm.DB
		dialect string
		err     error
	)
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		dialect = dialectSQLite
		db, err = gorm.Open(sqlite.Open(path), cfg)
	} else {
		dialect = dialectPostgres
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &NotificationModel{}, &ChatModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if dialect == dialectSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		// One connection keeps ":memory:" databases alive and serializes writers.
		sqlDB.SetMaxOpenConns(1)
		if err := migrate(db); err != nil {
			return nil, err
		}
	} else if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db, dialect: dialect}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn inside a database transaction.
func (s *GormStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, dialect: s.dialect, inTx: true})
	})
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

// CreateUser inserts a new user; username and email must be unused.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return translate(err)
	}
	return nil
}

// SaveUser upserts the whole user document.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "email", "password_hash", "account_image", "account_phone_no", "status",
			"contacts", "blocked_contacts", "muted_contacts", "chats", "updated_at",
		}),
	}).Create(&model).Error
	return translate(err)
}

func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	return s.firstUser(s.db.WithContext(ctx), "id = ?", id)
}

// GetUserForUpdate takes a row lock on postgres when called inside WithTx.
func (s *GormStore) GetUserForUpdate(ctx context.Context, id string) (domain.User, bool, error) {
	q := s.db.WithContext(ctx)
	if s.inTx && s.dialect == dialectPostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return s.firstUser(q, "id = ?", id)
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return s.firstUser(s.db.WithContext(ctx), "email = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (s *GormStore) firstUser(q *gorm.DB, cond string, arg any) (domain.User, bool, error) {
	var model UserModel
	if err := q.Where(cond, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUsersByIDs returns the known users among ids, in the order of ids.
func (s *GormStore) GetUsersByIDs(ctx context.Context, ids []string) ([]domain.User, error) {
	if len(ids) == 0 {
		return []domain.User{}, nil
	}
	var models []UserModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]UserModel, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	out := make([]domain.User, 0, len(models))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, userFromModel(m))
			delete(byID, id)
		}
	}
	return out, nil
}

// SearchUsersByName does a case-insensitive substring match on usernames.
func (s *GormStore) SearchUsersByName(ctx context.Context, term string, limit int) ([]domain.User, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(term))) + "%"
	var models []UserModel
	q := s.db.WithContext(ctx).Where(`LOWER(username) LIKE ? ESCAPE '\'`, pattern).Order("username ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	return usersFromModels(models), nil
}

// SuggestUsers lists users whose id is not in exclude, oldest accounts first.
func (s *GormStore) SuggestUsers(ctx context.Context, exclude []string, limit int) ([]domain.User, error) {
	q := s.db.WithContext(ctx).Order("join_date ASC").Order("id ASC")
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []UserModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	return usersFromModels(models), nil
}

func (s *GormStore) SetUserStatus(ctx context.Context, id string, status domain.PresenceStatus) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) UpdateUserProfile(ctx context.Context, id string, p ProfilePatch) (domain.User, bool, error) {
	cols := map[string]any{"updated_at": p.UpdatedAt}
	if p.AccountImage != "" {
		cols["account_image"] = p.AccountImage
	}
	if p.AccountPhoneNo != "" {
		cols["account_phone_no"] = p.AccountPhoneNo
	}
	if p.Username != "" {
		cols["username"] = p.Username
	}
	if p.Status != "" {
		cols["status"] = string(p.Status)
	}
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return domain.User{}, false, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.User{}, false, nil
	}
	return s.firstUser(s.db.WithContext(ctx), "id = ?", id)
}

func (s *GormStore) DeleteUser(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&UserModel{}, "id = ?", id).Error
}

func (s *GormStore) AddNotification(ctx context.Context, n domain.Notification) error {
	model := notificationToModel(n)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

func (s *GormStore) ListNotifications(ctx context.Context, userID string, now time.Time) ([]domain.Notification, error) {
	var models []NotificationModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("(expires_at IS NULL OR expires_at > ?)", now.UTC()).
		Order("date ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Notification, 0, len(models))
	for _, m := range models {
		out = append(out, notificationFromModel(m))
	}
	return out, nil
}

func (s *GormStore) GetNotification(ctx context.Context, id string) (domain.Notification, bool, error) {
	var model NotificationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Notification{}, false, nil
		}
		return domain.Notification{}, false, err
	}
	return notificationFromModel(model), true, nil
}

func (s *GormStore) DeleteNotification(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&NotificationModel{}, "id = ?", id).Error
}

// HasPendingNotification reports an unexpired notification of kind from fromID to userID.
func (s *GormStore) HasPendingNotification(ctx context.Context, userID, fromID string, kind domain.NotificationKind, now time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&NotificationModel{}).
		Where("user_id = ? AND from_id = ? AND kind = ?", userID, fromID, string(kind)).
		Where("(expires_at IS NULL OR expires_at > ?)", now.UTC()).
		Count(&count).Error
	return count > 0, err
}

// DeleteExpiredNotifications removes every notification expired at now.
func (s *GormStore) DeleteExpiredNotifications(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).
		Delete(&NotificationModel{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) DeleteNotificationsForUser(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Delete(&NotificationModel{}, "user_id = ?", userID).Error
}

// CreateChat inserts an empty chat; a second chat for the same pair is ErrDuplicate.
func (s *GormStore) CreateChat(ctx context.Context, chat domain.Chat) error {
	model := chatToModel(chat)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

// GetChat loads a chat with its messages in send order.
func (s *GormStore) GetChat(ctx context.Context, id string) (domain.Chat, bool, error) {
	return s.loadChat(ctx, "id = ?", id)
}

func (s *GormStore) FindChatByPair(ctx context.Context, a, b string) (domain.Chat, bool, error) {
	return s.loadChat(ctx, "pair_key = ?", domain.PairKey(a, b))
}

func (s *GormStore) loadChat(ctx context.Context, cond string, arg any) (domain.Chat, bool, error) {
	var model ChatModel
	if err := s.db.WithContext(ctx).Where(cond, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, err
	}
	var messages []MessageModel
	if err := s.db.WithContext(ctx).
		Where("chat_id = ?", model.ID).
		Order("position ASC, created_at ASC, id ASC").
		Find(&messages).Error; err != nil {
		return domain.Chat{}, false, err
	}
	return chatFromModel(model, messages), true, nil
}

// DeleteChat removes the chat and its messages.
func (s *GormStore) DeleteChat(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "chat_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ChatModel{}, "id = ?", id).Error
	})
}

// AppendMessage adds msg after the last message of the chat.
func (s *GormStore) AppendMessage(ctx context.Context, chatID string, msg domain.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Appends to one chat serialize on the chat row; the unique
		// (chat_id, position) index rejects a duplicate slot on sqlite.
		q := tx
		if s.dialect == dialectPostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.Select("id").First(&ChatModel{}, "id = ?", chatID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		var last sql.NullInt64
		if err := tx.Model(&MessageModel{}).
			Where("chat_id = ?", chatID).
			Select("MAX(position)").
			Row().Scan(&last); err != nil {
			return err
		}
		model := messageToModel(chatID, last.Int64+1, msg)
		return translate(tx.Create(&model).Error)
	})
}

// UpdateMessage rewrites content, edited flag and read receipts of one message.
func (s *GormStore) UpdateMessage(ctx context.Context, chatID string, msg domain.Message) error {
	res := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("chat_id = ? AND id = ?", chatID, msg.ID).
		Updates(map[string]any{
			"content": msg.Content,
			"edited":  msg.Edited,
			"read_by": jsonIDs(msg.ReadBy),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	res := s.db.WithContext(ctx).Delete(&MessageModel{}, "chat_id = ? AND id = ?", chatID, messageID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ClearMessages(ctx context.Context, chatID string) error {
	return s.db.WithContext(ctx).Delete(&MessageModel{}, "chat_id = ?", chatID).Error
}

func (s *GormStore) MarkRead(ctx context.Context, chatID, readerID string) (int, error) {
	marked := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []MessageModel
		if err := tx.Where("chat_id = ? AND sender_id <> ?", chatID, readerID).Find(&models).Error; err != nil {
			return err
		}
		for _, m := range models {
			msg := messageFromModel(m)
			if msg.ReadByUser(readerID) {
				continue
			}
			readBy := append(msg.ReadBy, readerID)
			if err := tx.Model(&MessageModel{}).
				Where("id = ?", m.ID).
				Update("read_by", jsonIDs(readBy)).Error; err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

func usersFromModels(models []UserModel) []domain.User {
	out := make([]domain.User, 0, len(models))
	for _, m := range models {
		out = append(out, userFromModel(m))
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
