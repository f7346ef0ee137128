package chargeapi

const (
	BookingsEndpoint        = "/bookings"
	WaitingListEndpoint     = "/waiting-list"
	WaitingListUserEndpoint = "/waiting-list/user"
	SessionsEndpoint        = "/sessions"

	AuthorizationHeader = "Authorization"
)
