// Package conv provides checked integer conversions.
//
// The heap mixes signed file offsets, unsigned pointer words and page
// counts; these helpers make the narrowing points explicit and fail
// loudly instead of wrapping.
package conv
