package cache

import "fmt"

// GET /api/orders/{id}
// order:data:{id}
func OrderKey(id int) string {
	return fmt.Sprintf("order:data:%d", id)
}
