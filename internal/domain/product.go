package domain

// Product — складская позиция.
// Инвариант: Quantity никогда не становится отрицательным. Единственный путь
// мутации количества — атомарный условный инкремент в хранилище; приложение
// не делает read-modify-write над стоком.
type Product struct {
	ID             string
	Name           string
	Quantity       int64
	UnitPriceCents int64
}
