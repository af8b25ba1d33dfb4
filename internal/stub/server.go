// Package stub implements the engine's external collaborators for development
// and integration testing: the history API from the wire contract plus a
// jwt-gated websocket push endpoint. It is not the production backend; it
// exists so the engine can be exercised end to end without one.
package stub

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quangdng/notifeed/internal/feed"
	"github.com/quangdng/notifeed/pkg/logger"
)

// Config holds stub server settings.
type Config struct {
	// JWTSecret signs and verifies bearer tokens for both endpoints.
	JWTSecret string
	// DatabasePath is the sqlite location; empty means in-memory.
	DatabasePath string
}

// notificationRow is the stored shape of a notification. A null created_at
// mirrors the production backend, which fills the column asynchronously.
type notificationRow struct {
	ID              int64  `gorm:"primaryKey"`
	UserID          string `gorm:"index"`
	SenderID        int64
	SenderName      string
	SenderAvatarURL string
	Type            string
	PostID          *int64
	Message         string
	IsRead          bool
	CreatedAt       *time.Time
}

func (notificationRow) TableName() string { return "notifications" }

// Server is the stand-in collaborator.
type Server struct {
	db     *gorm.DB
	hub    *hub
	secret []byte
	router *gin.Engine
	log    *zap.Logger
	nextID atomic.Int64
}

// NewServer opens the backing store and builds the routes.
func NewServer(cfg Config) (*Server, error) {
	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" {
		return nil, fmt.Errorf("stub: jwt secret is required")
	}

	path := strings.TrimSpace(cfg.DatabasePath)
	if path == "" {
		// Private in-memory database per server instance. The shared-cache
		// name keeps it alive across the pooled connections gorm opens.
		path = fmt.Sprintf("file:stub-%s?mode=memory&cache=shared", uuid.NewString())
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("stub: open database: %w", err)
	}
	if err := db.AutoMigrate(&notificationRow{}); err != nil {
		return nil, fmt.Errorf("stub: migrate: %w", err)
	}

	s := &Server{
		db:     db,
		hub:    newHub(),
		secret: []byte(secret),
		log:    logger.WithModule("stub"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	authed := router.Group("/", s.requireUser())
	authed.GET("/notifications", s.listNotifications)
	authed.PUT("/notifications/read-all", s.markAllRead)
	authed.PUT("/notifications/:id/read", s.markRead)
	authed.GET("/ws/notifications", s.serveWS)

	s.router = router
	return s, nil
}

// Handler exposes the HTTP handler for httptest or an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close tears down push connections and the backing store.
func (s *Server) Close() error {
	s.hub.closeAll()

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("stub: obtain sql db: %w", err)
	}
	return sqlDB.Close()
}

// IssueToken mints a bearer token for the given user, mimicking the external
// session layer.
func (s *Server) IssueToken(userID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("stub: sign token: %w", err)
	}
	return token, nil
}

// Seed stores historical records for a user without broadcasting them.
func (s *Server) Seed(userID string, records ...feed.Record) error {
	for _, rec := range records {
		if _, err := s.insert(userID, rec); err != nil {
			return err
		}
	}
	return nil
}

// Push stores a record and delivers it to the user's live subscribers, the
// way the production backend fans out a freshly created notification.
func (s *Server) Push(userID string, rec feed.Record) (feed.Record, error) {
	stored, err := s.insert(userID, rec)
	if err != nil {
		return feed.Record{}, err
	}
	s.hub.broadcast(userID, stored)
	return stored, nil
}

func (s *Server) insert(userID string, rec feed.Record) (feed.Record, error) {
	if rec.ID == 0 {
		rec.ID = s.nextID.Add(1)
	}

	row := notificationRow{
		ID:              rec.ID,
		UserID:          userID,
		SenderID:        rec.SenderID,
		SenderName:      rec.SenderName,
		SenderAvatarURL: rec.SenderAvatarURL,
		Type:            rec.Type,
		PostID:          rec.PostID,
		Message:         rec.Message,
		IsRead:          rec.IsRead,
	}
	if !rec.CreatedAt.IsNull() {
		created := rec.CreatedAt.Time
		row.CreatedAt = &created
	}

	if err := s.db.Create(&row).Error; err != nil {
		return feed.Record{}, fmt.Errorf("stub: insert notification: %w", err)
	}
	return rowToRecord(row), nil
}

func rowToRecord(row notificationRow) feed.Record {
	rec := feed.Record{
		ID:              row.ID,
		SenderID:        row.SenderID,
		SenderName:      row.SenderName,
		SenderAvatarURL: row.SenderAvatarURL,
		Type:            row.Type,
		PostID:          row.PostID,
		Message:         row.Message,
		IsRead:          row.IsRead,
	}
	if row.CreatedAt != nil {
		rec.CreatedAt = feed.NewTime(*row.CreatedAt)
	}
	return rec
}

// requireUser validates the bearer token (header or query parameter, matching
// what websocket handshakes can carry) and stashes the subject.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.Query("token"))
		if token == "" {
			authz := c.GetHeader("Authorization")
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[7:])
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		subject, err := claims.GetSubject()
		if err != nil || subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid subject"})
			return
		}

		c.Set("userID", subject)
		c.Next()
	}
}

func (s *Server) listNotifications(c *gin.Context) {
	userID := c.GetString("userID")

	page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil || page < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", strconv.Itoa(feed.DefaultPageSize)))
	if err != nil || size < 1 || size > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid size"})
		return
	}

	var total int64
	if err := s.db.Model(&notificationRow{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		s.log.Error("count notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	var rows []notificationRow
	if err := s.db.
		Where("user_id = ?", userID).
		Order("(created_at IS NULL) DESC").
		Order("created_at DESC").
		Order("id DESC").
		Limit(size).
		Offset(page * size).
		Find(&rows).Error; err != nil {
		s.log.Error("list notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	content := make([]feed.Record, 0, len(rows))
	for _, row := range rows {
		content = append(content, rowToRecord(row))
	}

	c.JSON(http.StatusOK, feed.HistoryPage{
		Content:    content,
		TotalPages: int(math.Ceil(float64(total) / float64(size))),
	})
}

func (s *Server) markRead(c *gin.Context) {
	userID := c.GetString("userID")

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	result := s.db.Model(&notificationRow{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("is_read", true)
	if result.Error != nil {
		s.log.Error("mark read", zap.Error(result.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) markAllRead(c *gin.Context) {
	userID := c.GetString("userID")

	if err := s.db.Model(&notificationRow{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Update("is_read", true).Error; err != nil {
		s.log.Error("mark all read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) serveWS(c *gin.Context) {
	s.hub.serve(c.GetString("userID"), c.Writer, c.Request)
}
