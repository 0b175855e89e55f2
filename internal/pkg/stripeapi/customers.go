package stripeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// UserIDMetadataKey 创建 Stripe 客户时写入的用户 ID
const UserIDMetadataKey = "user_id"

var ErrCustomerNotFound = errors.New("stripe customer not found")

// Customers 读取 Stripe 客户 metadata，本地没有客户记录时反查用户
type Customers struct {
	api *client.API
}

func NewCustomers(secretKey string) *Customers {
	return newCustomers(secretKey, nil)
}

func newCustomers(secretKey string, backends *stripe.Backends) *Customers {
	return &Customers{api: client.New(secretKey, backends)}
}

// LookupUserID 返回客户 metadata 中的 user_id，未设置时返回空串
func (c *Customers) LookupUserID(ctx context.Context, customerID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	cust, err := c.api.Customers.Get(customerID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return "", ErrCustomerNotFound
		}
		return "", fmt.Errorf("failed to get stripe customer %s: %w", customerID, err)
	}
	if cust.Deleted {
		return "", ErrCustomerNotFound
	}

	return cust.Metadata[UserIDMetadataKey], nil
}
