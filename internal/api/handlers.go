package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/annel0/blockedit/internal/actor"
	"github.com/annel0/blockedit/internal/app"
	"github.com/annel0/blockedit/internal/history"
	"github.com/annel0/blockedit/internal/queue"
	"github.com/annel0/blockedit/internal/region"
	"github.com/annel0/blockedit/internal/rollback"
	"github.com/annel0/blockedit/internal/vec"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// LoginRequest представляет запрос на вход
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// HistoryRequest отмена или повтор правок актора
type HistoryRequest struct {
	Actor string `json:"actor" binding:"required"` // имя или UUID
	Times int    `json:"times"`
}

// RollbackRequest параметры отката
type RollbackRequest struct {
	Actor    string `json:"actor" binding:"required"`
	World    string `json:"world" binding:"required"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Z        int    `json:"z"`
	Radius   int    `json:"radius"`
	Duration string `json:"duration" binding:"required"` // 25s, 1h30m, 2d
}

// FlushRequest сохранение мира
type FlushRequest struct {
	World string `json:"world" binding:"required"`
}

// RecordView запись журнала без тела
type RecordView struct {
	ID       string     `json:"id"`
	Actor    string     `json:"actor"`
	World    string     `json:"world"`
	Start    time.Time  `json:"start"`
	End      time.Time  `json:"end"`
	Blocks   uint32     `json:"blocks"`
	Bounds   region.Box `json:"bounds"`
	FirstSeq uint64     `json:"first_seq"`
	LastSeq  uint64     `json:"last_seq"`
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, GenericResponse{Success: false, Message: msg})
}

// errorStatus сопоставляет ошибки домена HTTP-статусам
func errorStatus(err error) int {
	switch {
	case errors.Is(err, actor.ErrActorNotFound),
		errors.Is(err, rollback.ErrActorNotFound),
		errors.Is(err, app.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, history.ErrEmptyHistory):
		return http.StatusConflict
	case errors.Is(err, rollback.ErrInvalidDuration):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrQueueSaturated), errors.Is(err, queue.ErrWouldBlock):
		return http.StatusTooManyRequests
	case errors.Is(err, rollback.ErrRollbackDisabled), errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth проверка живости
func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// handleLogin выдаёт токен оператору
func (rs *RestServer) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}
	if rs.issuer == nil {
		fail(c, http.StatusServiceUnavailable, "Аутентификация не настроена")
		return
	}

	op, err := rs.operators.Authenticate(req.Username, req.Password)
	if err != nil {
		fail(c, http.StatusUnauthorized, "Неверное имя оператора или пароль")
		return
	}
	token, err := rs.issuer.Issue(op)
	if err != nil {
		fail(c, http.StatusInternalServerError, "Ошибка генерации токена")
		return
	}

	rs.log.Info("🔑 Оператор %s вошёл в систему", op.Name)
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Успешная авторизация",
		Data:    gin.H{"token": token, "is_admin": op.IsAdmin},
	})
}

// handleStats статистика очереди, чанков и процесса
func (rs *RestServer) handleStats(c *gin.Context) {
	store := rs.service.Store()
	stats := gin.H{
		"server": rs.metrics.Snapshot(),
		"queue": gin.H{
			"lanes": rs.service.Queue().Lanes(),
		},
		"chunks": gin.H{
			"loaded": store.Loaded(),
			"dirty":  store.DirtyCount(),
		},
		"rollback": gin.H{
			"enabled": rs.service.RollbackEnabled(),
			"phase":   rs.service.RollbackPhase().String(),
		},
	}
	if w := c.Query("world"); w != "" {
		stats["queue"].(gin.H)["pending"] = rs.service.Queue().Pending(w)
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Статистика получена",
		Data:    stats,
	})
}

func (rs *RestServer) historyStep(c *gin.Context, step func(id uuid.UUID, times int) (int, error), verb string) {
	var req HistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}
	id, err := actor.Resolve(c.Request.Context(), rs.service.Resolver(), actor.ByName(req.Actor))
	if err != nil {
		fail(c, errorStatus(err), err.Error())
		return
	}

	n, err := step(id, req.Times)
	if err != nil && n == 0 {
		fail(c, errorStatus(err), err.Error())
		return
	}
	resp := GenericResponse{
		Success: true,
		Message: verb,
		Data:    gin.H{"actor": id.String(), "sets": n},
	}
	if err != nil {
		// часть шагов выполнена
		resp.Data.(gin.H)["error"] = err.Error()
	}
	rs.log.Info("👮 %s: %s актора %s, наборов %d", c.GetString("operator"), verb, req.Actor, n)
	c.JSON(http.StatusOK, resp)
}

// handleUndo отменяет правки текущей сессии актора
func (rs *RestServer) handleUndo(c *gin.Context) {
	rs.historyStep(c, func(id uuid.UUID, times int) (int, error) {
		return rs.service.UndoActor(c.Request.Context(), id, times)
	}, "undo")
}

// handleRedo повторяет отменённые правки актора
func (rs *RestServer) handleRedo(c *gin.Context) {
	rs.historyStep(c, func(id uuid.UUID, times int) (int, error) {
		return rs.service.RedoActor(c.Request.Context(), id, times)
	}, "redo")
}

// handleFlush дожидается очереди и сохраняет мир
func (rs *RestServer) handleFlush(c *gin.Context) {
	var req FlushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}
	if err := rs.service.Flush(c.Request.Context(), req.World); err != nil {
		fail(c, errorStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Мир сохранён"})
}

// handleRollback откатывает правки актора по области и времени
func (rs *RestServer) handleRollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}

	rep, err := rs.service.Rollback(c.Request.Context(), req.Actor, req.World,
		vec.Vec3{X: req.X, Y: req.Y, Z: req.Z}, req.Radius, req.Duration)
	if err != nil {
		fail(c, errorStatus(err), err.Error())
		return
	}

	rs.log.Info("👮 %s: откат %s в %s, отменено %d", c.GetString("operator"), req.Actor, req.World, rep.Reverted)
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Откат выполнен",
		Data: gin.H{
			"actor":    rep.Actor.String(),
			"since":    rep.Since,
			"bounds":   rep.Bounds,
			"records":  rep.Records,
			"reverted": rep.Reverted,
			"failed":   rep.Failed,
			"phase":    rep.Phase.String(),
		},
	})
}

// handleRecords список записей журнала: ?actor=&world=&since=1h&limit=50
func (rs *RestServer) handleRecords(c *gin.Context) {
	ctx := c.Request.Context()
	q := rollback.Query{World: c.Query("world"), Descending: true}

	if name := c.Query("actor"); name != "" {
		id, err := actor.Resolve(ctx, rs.service.Resolver(), actor.ByName(name))
		if err != nil {
			fail(c, errorStatus(err), err.Error())
			return
		}
		q.Actor = id
	}
	if since := c.Query("since"); since != "" {
		d, err := rollback.ParseDuration(since)
		if err != nil {
			fail(c, errorStatus(err), err.Error())
			return
		}
		q.After = time.Now().Add(-d)
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	recs, err := rs.service.Records(ctx, q, limit)
	if err != nil {
		fail(c, errorStatus(err), err.Error())
		return
	}
	views := make([]RecordView, 0, len(recs))
	for _, r := range recs {
		views = append(views, RecordView{
			ID:       r.ID(),
			Actor:    r.Header.Actor.String(),
			World:    r.Header.World,
			Start:    r.Header.Start,
			End:      r.Header.End,
			Blocks:   r.Header.EntryCount,
			Bounds:   r.Header.Bounds,
			FirstSeq: r.Header.FirstSeq,
			LastSeq:  r.Header.LastSeq,
		})
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Записи журнала",
		Data:    gin.H{"records": views, "count": len(views)},
	})
}
