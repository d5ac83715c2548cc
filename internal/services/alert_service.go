package services

import (
	"errors"
	"fmt"
	"net"
	neturl "net/url"
	"regexp"
	"strings"
	"time"

	"github.com/containrrr/shoutrrr"
	"gorm.io/gorm"

	"github.com/peerbanhelper/backend/internal/logger"
	"github.com/peerbanhelper/backend/internal/models"
)

var ErrAlertNotFound = errors.New("alert not found")

// AlertService stores operator alerts and forwards them to push providers.
type AlertService struct {
	DB          *gorm.DB
	pushEnabled bool
	send        func(url, message string) error
}

func NewAlertService(db *gorm.DB, pushEnabled bool) *AlertService {
	return &AlertService{DB: db, pushEnabled: pushEnabled, send: func(url, message string) error {
		return shoutrrr.Send(url, message)
	}}
}

// Publish records an alert unless an unread alert with the same identifier
// already exists.
func (s *AlertService) Publish(level models.AlertLevel, identifier, title, body string) error {
	if identifier != "" {
		var count int64
		if err := s.DB.Model(&models.Alert{}).Where("identifier = ? AND read = ?", identifier, false).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
	}
	alert := &models.Alert{
		Identifier: identifier,
		Level:      level,
		Title:      title,
		Content:    body,
	}
	if err := s.DB.Create(alert).Error; err != nil {
		return err
	}
	logger.Component("alerts").WithField("identifier", alert.Identifier).WithField("level", level).Info(title)
	if s.pushEnabled {
		s.push(*alert)
	}
	return nil
}

// Resolve marks every unread alert with identifier as read.
func (s *AlertService) Resolve(identifier string) error {
	now := time.Now()
	return s.DB.Model(&models.Alert{}).
		Where("identifier = ? AND read = ?", identifier, false).
		Updates(map[string]interface{}{"read": true, "read_at": now}).Error
}

// Exists reports whether an unread alert with identifier is present.
func (s *AlertService) Exists(identifier string) (bool, error) {
	var count int64
	err := s.DB.Model(&models.Alert{}).Where("identifier = ? AND read = ?", identifier, false).Count(&count).Error
	return count > 0, err
}

func (s *AlertService) List(unreadOnly bool) ([]models.Alert, error) {
	var alerts []models.Alert
	query := s.DB.Order("created_at desc")
	if unreadOnly {
		query = query.Where("read = ?", false)
	}
	result := query.Find(&alerts)
	return alerts, result.Error
}

// MarkAsRead resolves the alert with the given identifier.
func (s *AlertService) MarkAsRead(identifier string) error {
	res := s.DB.Model(&models.Alert{}).
		Where("identifier = ? AND read = ?", identifier, false).
		Updates(map[string]interface{}{"read": true, "read_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

func (s *AlertService) MarkAllAsRead() error {
	return s.DB.Model(&models.Alert{}).Where("read = ?", false).
		Updates(map[string]interface{}{"read": true, "read_at": time.Now()}).Error
}

// HighestUnreadLevel returns the most severe level among unread alerts.
// ok is false when nothing is unread.
func (s *AlertService) HighestUnreadLevel() (level models.AlertLevel, ok bool, err error) {
	var levels []models.AlertLevel
	if err := s.DB.Model(&models.Alert{}).Where("read = ?", false).Distinct().Pluck("level", &levels).Error; err != nil {
		return "", false, err
	}
	for _, l := range levels {
		if !ok || l.Rank() > level.Rank() {
			level, ok = l, true
		}
	}
	return level, ok, nil
}

// DeleteOlderThan removes alerts created before cutoff.
func (s *AlertService) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res := s.DB.Where("created_at < ?", cutoff).Delete(&models.Alert{})
	return res.RowsAffected, res.Error
}

// Provider management

func (s *AlertService) ListProviders() ([]models.AlertProvider, error) {
	var providers []models.AlertProvider
	result := s.DB.Find(&providers)
	return providers, result.Error
}

func (s *AlertService) CreateProvider(provider *models.AlertProvider) error {
	if strings.TrimSpace(provider.URL) == "" {
		return fmt.Errorf("provider url is required")
	}
	return s.DB.Create(provider).Error
}

func (s *AlertService) DeleteProvider(id string) error {
	return s.DB.Delete(&models.AlertProvider{}, "id = ?", id).Error
}

func (s *AlertService) push(alert models.Alert) {
	var providers []models.AlertProvider
	if err := s.DB.Where("enabled = ?", true).Find(&providers).Error; err != nil {
		logger.Component("alerts").WithError(err).Warn("Failed to fetch alert providers")
		return
	}
	msg := fmt.Sprintf("[%s] %s\n\n%s", strings.ToUpper(string(alert.Level)), alert.Title, alert.Content)
	for _, p := range providers {
		if alert.Level.Rank() < p.MinLevel.Rank() {
			continue
		}
		go func(p models.AlertProvider) {
			url := normalizeURL(p.Type, p.URL)
			if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
				if _, err := validateWebhookURL(url); err != nil {
					logger.Component("alerts").WithField("provider", p.Name).Warn("Skipping alert push due to invalid destination")
					return
				}
			}
			if err := s.send(url, msg); err != nil {
				logger.Component("alerts").WithError(err).WithField("provider", p.Name).Warn("Failed to push alert")
			}
		}(p)
	}
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

func normalizeURL(serviceType, rawURL string) string {
	if serviceType == "discord" {
		matches := discordWebhookRegex.FindStringSubmatch(rawURL)
		if len(matches) == 3 {
			return fmt.Sprintf("discord://%s@%s", matches[2], matches[1])
		}
	}
	return rawURL
}

// isPrivateIP returns true for RFC1918, loopback, link-local and ULA addresses.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate()
}

// validateWebhookURL rejects push targets that resolve to private addresses.
func validateWebhookURL(raw string) (*neturl.URL, error) {
	u, err := neturl.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return u, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("disallowed host IP: %s", ip.String())
		}
	}
	return u, nil
}
