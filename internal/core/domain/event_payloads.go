package domain

// ReviewData matches the review row shape the storefront renders.
type ReviewData struct {
	ID         string  `json:"id" validate:"required"`
	Rating     int     `json:"rating" validate:"min=1,max=5"`
	Comment    *string `json:"comment"`
	CreatedAt  string  `json:"created_at"`
	UserID     string  `json:"user_id" validate:"required"`
	UserAvatar *string `json:"user_avatar"`
	ProductID  int64   `json:"product_id"`
}

// ProductData matches the product row shape the catalog renders.
// Nullable catalog columns are pointers or nil slices so they encode as null.
type ProductData struct {
	ID          int64    `json:"id" validate:"gt=0"`
	Title       string   `json:"title" validate:"required"`
	Description *string  `json:"description"`
	Category    *string  `json:"category"`
	Price       *string  `json:"price"`
	DemoURL     *string  `json:"demo_url"`
	LinkProgram *string  `json:"link_program"`
	Images      []string `json:"images"`
	TechStack   []string `json:"tech_stack"`
	Features    []string `json:"features"`
	Rating      *float64 `json:"rating"`
	Reviews     *int     `json:"reviews"`
	Sales       *int     `json:"sales"`
	CreatedAt   *string  `json:"created_at"`
	UpdatedAt   *string  `json:"updated_at"`
}

// --- Inbound payloads ---

// NewReviewMessage is the payload of new-review.
type NewReviewMessage struct {
	ProductID int64       `json:"productId" validate:"gt=0"`
	Review    *ReviewData `json:"review" validate:"required"`
}

// ProductMessage is the payload of new-product and inbound product-updated.
type ProductMessage struct {
	Product *ProductData `json:"product" validate:"required"`
}

// ProductDeletedMessage is the payload of inbound product-deleted.
type ProductDeletedMessage struct {
	ProductID int64 `json:"productId" validate:"gt=0"`
}

// --- Outbound payloads ---

// ReviewAdded is broadcast to product-<id> rooms.
type ReviewAdded struct {
	ProductID int64      `json:"productId"`
	Review    ReviewData `json:"review"`
	Timestamp string     `json:"timestamp"`
}

// ProductChanged is broadcast to the catalog room for product-added and
// product-updated.
type ProductChanged struct {
	Product   ProductData `json:"product"`
	Timestamp string      `json:"timestamp"`
}

// ProductDeleted is broadcast to the catalog room for product-deleted.
type ProductDeleted struct {
	ProductID int64  `json:"productId"`
	Timestamp string `json:"timestamp"`
}
