package inpatient

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/inpatient/internal/platform/auth"
	"github.com/ehr/inpatient/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every clinical role
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleNurse, auth.RolePhysician, auth.RoleBedManager))
	read.GET("/wards", h.ListWards)
	read.GET("/wards/:id", h.GetWard)
	read.GET("/wards/:id/rooms", h.ListRooms)
	read.GET("/beds", h.ListBeds)
	read.GET("/beds/:id", h.GetBed)
	read.GET("/admissions", h.ListAdmissions)
	read.GET("/admissions/:id", h.GetAdmission)
	read.GET("/patients/:id/admissions", h.GetAdmissionHistory)
	read.GET("/census", h.GetCensus)

	// Catalog and ledger – bed management
	catalog := api.Group("", auth.RequireRole(auth.RoleBedManager))
	catalog.POST("/wards", h.CreateWard)
	catalog.POST("/wards/:id/deactivate", h.DeactivateWard)
	catalog.POST("/wards/:id/rooms", h.CreateRoom)
	catalog.POST("/wards/:id/provision", h.BulkProvision)
	catalog.POST("/wards/:id/reconcile", h.ReconcileWard)
	catalog.POST("/reconcile", h.ReconcileAll)
	catalog.POST("/rooms/:id/beds", h.CreateBed)
	catalog.DELETE("/beds/:id", h.DeactivateBed)

	// Bed housekeeping – nursing and bed management
	beds := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RoleBedManager))
	beds.PUT("/beds/:id/status", h.SetBedStatus)

	// Admission lifecycle – clinical staff
	adm := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RolePhysician, auth.RoleBedManager))
	adm.POST("/admissions", h.Admit)
	adm.POST("/admissions/:id/transfer", h.Transfer)
	adm.POST("/admissions/:id/discharge", h.Discharge)
	adm.POST("/admissions/:id/deceased", h.MarkDeceased)
	adm.POST("/admissions/:id/leave", h.MarkOnLeave)
}

// httpError maps service errors to status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func actorFrom(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	org := auth.OrganizationFromContext(ctx)
	if org == uuid.Nil {
		return Actor{}, echo.NewHTTPError(http.StatusForbidden, "organization is required")
	}
	return Actor{ID: auth.UserIDFromContext(ctx), OrganizationID: org}, nil
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func queryID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

// ownWard loads a ward and hides wards of other organizations.
func (h *Handler) ownWard(c echo.Context, actor Actor, id uuid.UUID) (*Ward, error) {
	w, err := h.svc.GetWard(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	if w.OrganizationID != actor.OrganizationID {
		return nil, httpError(notFound("ward"))
	}
	return w, nil
}

// -- Catalog --

func (h *Handler) CreateWard(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var spec WardSpec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := h.svc.CreateWard(c.Request().Context(), actor, spec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) ListWards(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	f := WardFilter{Type: WardType(c.QueryParam("type"))}
	if v := c.QueryParam("active"); v != "" {
		if f.ActiveOnly, err = strconv.ParseBool(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid active")
		}
	}
	wards, err := h.svc.GetWards(c.Request().Context(), actor.OrganizationID, f)
	if err != nil {
		return httpError(err)
	}
	if wards == nil {
		wards = []*Ward{}
	}
	return c.JSON(http.StatusOK, wards)
}

func (h *Handler) GetWard(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	w, err := h.ownWard(c, actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) DeactivateWard(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeactivateWard(c.Request().Context(), actor, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListRooms(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if _, err := h.ownWard(c, actor, id); err != nil {
		return err
	}
	rooms, err := h.svc.GetRooms(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if rooms == nil {
		rooms = []*Room{}
	}
	return c.JSON(http.StatusOK, rooms)
}

func (h *Handler) CreateRoom(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var spec RoomSpec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.CreateRoom(c.Request().Context(), actor, id, spec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

type provisionRequest struct {
	RoomPrefix  string `json:"room_prefix"`
	RoomsCount  int    `json:"rooms_count"`
	BedsPerRoom int    `json:"beds_per_room"`
}

func (h *Handler) BulkProvision(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req provisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.BulkProvision(c.Request().Context(), actor, id, req.RoomPrefix, req.RoomsCount, req.BedsPerRoom)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) CreateBed(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var spec BedSpec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.CreateBed(c.Request().Context(), actor, id, spec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) ListBeds(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	f := BedFilter{OrganizationID: actor.OrganizationID, Status: BedStatus(c.QueryParam("status"))}
	if f.WardID, err = queryID(c, "ward_id"); err != nil {
		return err
	}
	if f.RoomID, err = queryID(c, "room_id"); err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	beds, total, err := h.svc.GetBeds(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if beds == nil {
		beds = []*Bed{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(beds, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetBed(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	b, err := h.svc.GetBed(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if _, err := h.ownWard(c, actor, b.WardID); err != nil {
		return httpError(notFound("bed"))
	}
	return c.JSON(http.StatusOK, b)
}

type bedStatusRequest struct {
	Status BedStatus `json:"status"`
}

func (h *Handler) SetBedStatus(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req bedStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.SetBedStatus(c.Request().Context(), actor, id, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) DeactivateBed(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeactivateBed(c.Request().Context(), actor, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Admissions --

func (h *Handler) Admit(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req AdmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Admit(c.Request().Context(), actor, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAdmissions(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	f := AdmissionFilter{Status: AdmissionStatus(c.QueryParam("status"))}
	if f.WardID, err = queryID(c, "ward_id"); err != nil {
		return err
	}
	if f.PatientID, err = queryID(c, "patient_id"); err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.GetAdmissions(c.Request().Context(), actor.OrganizationID, f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Admission{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetAdmission(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAdmission(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if a.OrganizationID != actor.OrganizationID {
		return httpError(notFound("admission"))
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetAdmissionHistory(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	all, err := h.svc.GetAdmissionHistory(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	out := make([]*Admission, 0, len(all))
	for _, a := range all {
		if a.OrganizationID == actor.OrganizationID {
			out = append(out, a)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Transfer(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req TransferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Transfer(c.Request().Context(), actor, id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Discharge(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req DischargeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Discharge(c.Request().Context(), actor, id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) MarkDeceased(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req DeceasedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.MarkDeceased(c.Request().Context(), actor, id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) MarkOnLeave(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req LeaveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.MarkOnLeave(c.Request().Context(), actor, id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- Ledger and census --

func (h *Handler) ReconcileWard(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.ReconcileWard(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ReconcileAll(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.ReconcileAll(c.Request().Context(), actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) GetCensus(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	census, err := h.svc.GetCensus(c.Request().Context(), actor.OrganizationID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, census)
}
